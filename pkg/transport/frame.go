package transport

import (
	"bytes"
	"errors"
	"strings"
)

// Socket brokers frame each message as channel, NUL, payload so a SUB
// prefix filter on "channel\x00" matches one channel exactly.
const frameSep = 0x00

var errBadFrame = errors.New("frame has no channel separator")

func encodeFrame(channel string, payload []byte) []byte {
	buf := make([]byte, 0, len(channel)+1+len(payload))
	buf = append(buf, channel...)
	buf = append(buf, frameSep)
	return append(buf, payload...)
}

func decodeFrame(frame []byte) (string, []byte, error) {
	i := bytes.IndexByte(frame, frameSep)
	if i < 0 {
		return "", nil, errBadFrame
	}
	return string(frame[:i]), frame[i+1:], nil
}

// subscribePrefix is the SUB filter for a channel or glob. Globs filter
// on their literal prefix and are matched exactly after receipt.
func subscribePrefix(channel string) []byte {
	if !IsPattern(channel) {
		return append([]byte(channel), frameSep)
	}
	if i := strings.IndexAny(channel, "*?["); i >= 0 {
		return []byte(channel[:i])
	}
	return []byte(channel)
}

// matchAny returns the first subscription entry matching channel
func matchAny(subs []string, channel string) (string, bool) {
	for _, s := range subs {
		if Match(s, channel) {
			return s, true
		}
	}
	return "", false
}
