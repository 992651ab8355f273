package bigraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewUID mints a tier-independent node identity: prefix, wall-clock
// milliseconds and 8 hex digits of a random uuid.
func NewUID(prefix string) string {
	if prefix == "" {
		prefix = "n"
	}
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), short)
}
