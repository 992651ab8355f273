package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

const (
	socketPollInterval = 200 * time.Millisecond
	socketSendDeadline = 2 * time.Second
)

// NNGBroker is a mangos client of a Forwarder: it PUSHes frames to the
// ingress and opens one SUB socket per subscription on the egress.
type NNGBroker struct {
	ingress string
	egress  string
	logger  logging.Logger

	mu     sync.Mutex
	push   mangos.Socket
	closed bool
}

// DialNNG connects to a forwarder. Dials are asynchronous so clients may
// start before the forwarder.
func DialNNG(ingress, egress string, logger logging.Logger) (*NNGBroker, error) {
	logger = logging.OrNop(logger)
	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUSH socket: %w", err)
	}
	cleanup.Add(sock, "PUSH socket")

	if err := sock.SetOption(mangos.OptionSendDeadline, socketSendDeadline); err != nil {
		return nil, err
	}
	if err := sock.DialOptions(ingress, map[string]any{mangos.OptionDialAsynch: true}); err != nil {
		return nil, fmt.Errorf("failed to dial ingress %s: %w", ingress, err)
	}

	cleanup.Clear()
	return &NNGBroker{ingress: ingress, egress: egress, logger: logger, push: sock}, nil
}

// Publish implements Broker
func (b *NNGBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.push.Send(encodeFrame(channel, payload)); err != nil {
		return fmt.Errorf("nng publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker
func (b *NNGBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	cleanup := newResourceCleanup(b.logger)
	defer cleanup.Cleanup()

	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	cleanup.Add(sock, "SUB socket")

	for _, ch := range channels {
		if err := sock.SetOption(mangos.OptionSubscribe, subscribePrefix(ch)); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, socketPollInterval); err != nil {
		return nil, err
	}
	if err := sock.DialOptions(b.egress, map[string]any{mangos.OptionDialAsynch: true}); err != nil {
		return nil, fmt.Errorf("failed to dial egress %s: %w", b.egress, err)
	}

	cleanup.Clear()
	return newSocketSubscription(ctx, nngRecv{sock}, channels, b.logger), nil
}

// Ping reports whether the broker is open. Dials reconnect on their own.
func (b *NNGBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the PUSH socket. Subscriptions close independently.
func (b *NNGBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.push.Close()
}

// errRecvTimeout is returned by recvSocket adapters when a poll
// interval passes without a message
var errRecvTimeout = errors.New("receive timeout")

// recvSocket is the part of a SUB socket the receive loop needs
type recvSocket interface {
	Recv() ([]byte, error)
	Close() error
}

type nngRecv struct{ sock mangos.Socket }

func (r nngRecv) Recv() ([]byte, error) {
	frame, err := r.sock.Recv()
	if errors.Is(err, mangos.ErrRecvTimeout) {
		return nil, errRecvTimeout
	}
	return frame, err
}

func (r nngRecv) Close() error { return r.sock.Close() }

// socketSubscription drains a SUB socket into a channel
type socketSubscription struct {
	out       chan Message
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newSocketSubscription(ctx context.Context, sock recvSocket, channels []string, logger logging.Logger) *socketSubscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &socketSubscription{
		out:    make(chan Message, DefaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	subs := append([]string(nil), channels...)

	go func() {
		defer close(s.done)
		defer close(s.out)
		defer sock.Close()
		for ctx.Err() == nil {
			frame, err := sock.Recv()
			if err != nil {
				if errors.Is(err, errRecvTimeout) {
					continue
				}
				if ctx.Err() == nil {
					logger.Warn("subscription receive failed", logging.Error(err))
				}
				return
			}
			channel, payload, err := decodeFrame(frame)
			if err != nil {
				logger.Debug("dropping unframed message", logging.Error(err))
				continue
			}
			entry, ok := matchAny(subs, channel)
			if !ok {
				continue
			}
			msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
			if IsPattern(entry) {
				msg.Pattern = entry
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

func (s *socketSubscription) Channel() <-chan Message {
	return s.out
}

// Close stops the receive loop and waits for the socket to close
func (s *socketSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Forwarder is the nng broker daemon: frames PUSHed to the ingress are
// republished unchanged on the egress PUB socket.
type Forwarder struct {
	ingress mangos.Socket
	egress  mangos.Socket
	logger  logging.Logger

	mu        sync.Mutex
	forwarded int64
}

// NewForwarder listens on both addresses
func NewForwarder(ingressAddr, egressAddr string, logger logging.Logger) (*Forwarder, error) {
	logger = logging.OrNop(logger)
	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	in, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PULL socket: %w", err)
	}
	cleanup.Add(in, "PULL socket")
	if err := in.SetOption(mangos.OptionRecvDeadline, socketPollInterval); err != nil {
		return nil, err
	}
	if err := in.Listen(ingressAddr); err != nil {
		return nil, fmt.Errorf("failed to bind PULL socket to %s: %w", ingressAddr, err)
	}

	out, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	cleanup.Add(out, "PUB socket")
	if err := out.Listen(egressAddr); err != nil {
		return nil, fmt.Errorf("failed to bind PUB socket to %s: %w", egressAddr, err)
	}

	cleanup.Clear()
	logger.Info("nng forwarder listening",
		logging.String("ingress", ingressAddr), logging.String("egress", egressAddr))
	return &Forwarder{ingress: in, egress: out, logger: logger}, nil
}

// Run forwards until ctx is cancelled
func (f *Forwarder) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		frame, err := f.ingress.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			return fmt.Errorf("forwarder receive: %w", err)
		}
		if err := f.egress.Send(frame); err != nil {
			f.logger.Warn("forwarder publish failed", logging.Error(err))
			continue
		}
		f.mu.Lock()
		f.forwarded++
		f.mu.Unlock()
	}
	return nil
}

// Forwarded returns the number of frames republished
func (f *Forwarder) Forwarded() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarded
}

// Close closes both sockets
func (f *Forwarder) Close() error {
	return errors.Join(f.ingress.Close(), f.egress.Close())
}
