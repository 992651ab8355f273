//go:build zmq

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

func init() {
	registerOpener(KindZMQ, func(_ context.Context, opts Options, logger logging.Logger) (Broker, error) {
		return DialZMQ(opts.Ingress, opts.Egress, logger)
	})
	registerForwarder(KindZMQ, func(opts Options, logger logging.Logger) (Runner, error) {
		return NewZMQForwarder(opts.Ingress, opts.Egress, logger)
	})
}

// ZMQBroker is the ZeroMQ twin of NNGBroker. zmq sockets are not safe
// for concurrent use, so the PUSH socket is guarded.
type ZMQBroker struct {
	egress string
	logger logging.Logger

	mu     sync.Mutex
	push   *zmq.Socket
	closed bool
}

// DialZMQ connects a PUSH socket to the forwarder ingress
func DialZMQ(ingress, egress string, logger logging.Logger) (*ZMQBroker, error) {
	logger = logging.OrNop(logger)
	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	sock, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUSH socket: %w", err)
	}
	cleanup.Add(sock, "PUSH socket")
	if err := sock.SetSndtimeo(socketSendDeadline); err != nil {
		return nil, err
	}
	if err := sock.Connect(ingress); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ingress, err)
	}

	cleanup.Clear()
	return &ZMQBroker{egress: egress, logger: logger, push: sock}, nil
}

// Publish implements Broker
func (b *ZMQBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, err := b.push.SendBytes(encodeFrame(channel, payload), 0); err != nil {
		return fmt.Errorf("zmq publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker
func (b *ZMQBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	cleanup := newResourceCleanup(b.logger)
	defer cleanup.Cleanup()

	sock, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	cleanup.Add(sock, "SUB socket")
	for _, ch := range channels {
		if err := sock.SetSubscribe(string(subscribePrefix(ch))); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	if err := sock.SetRcvtimeo(socketPollInterval); err != nil {
		return nil, err
	}
	if err := sock.Connect(b.egress); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", b.egress, err)
	}

	cleanup.Clear()
	return newSocketSubscription(ctx, zmqRecv{sock}, channels, b.logger), nil
}

// Ping implements Broker
func (b *ZMQBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the PUSH socket
func (b *ZMQBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.push.Close()
}

type zmqRecv struct{ sock *zmq.Socket }

func (r zmqRecv) Recv() ([]byte, error) {
	frame, err := r.sock.RecvBytes(0)
	if err != nil && zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
		return nil, errRecvTimeout
	}
	return frame, err
}

func (r zmqRecv) Close() error { return r.sock.Close() }

// ZMQForwarder binds PULL and PUB sockets and relays frames between them
type ZMQForwarder struct {
	ingress *zmq.Socket
	egress  *zmq.Socket
	logger  logging.Logger
}

// NewZMQForwarder binds both addresses
func NewZMQForwarder(ingressAddr, egressAddr string, logger logging.Logger) (*ZMQForwarder, error) {
	logger = logging.OrNop(logger)
	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	in, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return nil, fmt.Errorf("failed to create PULL socket: %w", err)
	}
	cleanup.Add(in, "PULL socket")
	if err := in.SetRcvtimeo(socketPollInterval); err != nil {
		return nil, err
	}
	if err := in.Bind(ingressAddr); err != nil {
		return nil, fmt.Errorf("failed to bind PULL socket to %s: %w", ingressAddr, err)
	}

	out, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	cleanup.Add(out, "PUB socket")
	if err := out.Bind(egressAddr); err != nil {
		return nil, fmt.Errorf("failed to bind PUB socket to %s: %w", egressAddr, err)
	}

	cleanup.Clear()
	logger.Info("zmq forwarder listening",
		logging.String("ingress", ingressAddr), logging.String("egress", egressAddr))
	return &ZMQForwarder{ingress: in, egress: out, logger: logger}, nil
}

// Run relays until ctx is cancelled
func (f *ZMQForwarder) Run(ctx context.Context) error {
	recv := zmqRecv{f.ingress}
	for ctx.Err() == nil {
		frame, err := recv.Recv()
		if err != nil {
			if errors.Is(err, errRecvTimeout) {
				continue
			}
			return fmt.Errorf("forwarder receive: %w", err)
		}
		if _, err := f.egress.SendBytes(frame, 0); err != nil {
			f.logger.Warn("forwarder publish failed", logging.Error(err))
		}
	}
	return nil
}

// Close closes both sockets
func (f *ZMQForwarder) Close() error {
	return errors.Join(f.ingress.Close(), f.egress.Close())
}
