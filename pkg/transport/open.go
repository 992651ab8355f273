package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// Broker kinds
const (
	KindMemory = "memory"
	KindRedis  = "redis"
	KindNNG    = "nng"
	KindZMQ    = "zmq"
)

// Options selects and configures a broker
type Options struct {
	Kind     string
	Addr     string // redis
	Password string // redis
	DB       int    // redis
	Ingress  string // nng, zmq
	Egress   string // nng, zmq
}

// Runner is a broker daemon
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

type (
	openerFunc    func(ctx context.Context, opts Options, logger logging.Logger) (Broker, error)
	forwarderFunc func(opts Options, logger logging.Logger) (Runner, error)
)

var (
	registryMu sync.RWMutex
	openers    = map[string]openerFunc{
		KindMemory: func(context.Context, Options, logging.Logger) (Broker, error) {
			return NewMemoryBroker(0), nil
		},
		KindRedis: func(ctx context.Context, opts Options, logger logging.Logger) (Broker, error) {
			return DialRedis(ctx, RedisOptions{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}, logger)
		},
		KindNNG: func(_ context.Context, opts Options, logger logging.Logger) (Broker, error) {
			return DialNNG(opts.Ingress, opts.Egress, logger)
		},
	}
	forwarders = map[string]forwarderFunc{
		KindNNG: func(opts Options, logger logging.Logger) (Runner, error) {
			return NewForwarder(opts.Ingress, opts.Egress, logger)
		},
	}
)

// registerOpener adds a broker kind compiled in behind a build tag
func registerOpener(kind string, fn openerFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	openers[kind] = fn
}

func registerForwarder(kind string, fn forwarderFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	forwarders[kind] = fn
}

// Kinds lists the broker kinds compiled into this binary
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(openers))
	for k := range openers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open connects a broker client of the configured kind
func Open(ctx context.Context, opts Options, logger logging.Logger) (Broker, error) {
	registryMu.RLock()
	fn, ok := openers[opts.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBroker, opts.Kind, Kinds())
	}
	return fn(ctx, opts, logger)
}

// OpenForwarder creates the daemon side of a socket broker
func OpenForwarder(opts Options, logger logging.Logger) (Runner, error) {
	registryMu.RLock()
	fn, ok := forwarders[opts.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q has no forwarder", ErrUnknownBroker, opts.Kind)
	}
	return fn(opts, logger)
}
