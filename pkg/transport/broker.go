// Package transport carries graph pushes, rules and requests between
// tiers. A Broker is a topic pub/sub; implementations exist for an
// in-process bus, Redis, mangos (nng) and ZeroMQ.
package transport

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrClosed        = errors.New("broker closed")
	ErrNoChannels    = errors.New("subscribe requires at least one channel")
	ErrUnknownBroker = errors.New("unknown broker kind")
)

// Message is one delivery. Pattern is set when the subscription matched
// a glob rather than an exact channel.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Subscription delivers messages until closed. The channel is closed
// when the subscription ends.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Broker publishes payloads to named channels and fans them out to
// subscribers. Channels containing '*' subscribe by glob.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// KeyValue stores a value under a key. Brokers that implement it mirror
// dispatched rules by name.
type KeyValue interface {
	Set(ctx context.Context, key string, value []byte) error
}

// IsPattern reports whether a subscription channel is a glob
func IsPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Match reports whether channel matches a subscription entry
func Match(sub, channel string) bool {
	if !IsPattern(sub) {
		return sub == channel
	}
	ok, err := path.Match(sub, channel)
	return err == nil && ok
}

// splitPatterns separates exact channels from globs
func splitPatterns(channels []string) (exact, patterns []string) {
	for _, ch := range channels {
		if IsPattern(ch) {
			patterns = append(patterns, ch)
		} else {
			exact = append(exact, ch)
		}
	}
	return exact, patterns
}
