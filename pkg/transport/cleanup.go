package transport

import (
	"io"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// resourceCleanup closes registered sockets in reverse order unless
// cleared. It keeps constructors free of cascading close calls.
//
//	cleanup := newResourceCleanup(logger)
//	defer cleanup.Cleanup()
//	... cleanup.Add(sock, "PUB socket") ...
//	cleanup.Clear() // success
type resourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

func newResourceCleanup(logger logging.Logger) *resourceCleanup {
	return &resourceCleanup{
		resources: make([]namedCloser, 0, 4),
		logger:    logging.OrNop(logger),
	}
}

// Add registers a resource to be cleaned up
func (rc *resourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes all registered resources, LIFO. Errors are logged.
func (rc *resourceCleanup) Cleanup() {
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if err := r.closer.Close(); err != nil {
			rc.logger.Warn("failed to close during cleanup",
				logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
}

// Clear forgets the resources without closing them
func (rc *resourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}
