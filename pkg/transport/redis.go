package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dd0wney/cluso-bigraph/pkg/logging"
)

// RedisOptions configures a RedisBroker
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBroker uses Redis PUBLISH/SUBSCRIBE. The client reconnects on its
// own; subscriptions resubscribe after a reconnect.
type RedisBroker struct {
	client *redis.Client
	logger logging.Logger
}

// DialRedis connects and pings the server
func DialRedis(ctx context.Context, opts RedisOptions, logger logging.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisBroker(client, logger), nil
}

// NewRedisBroker wraps an existing client
func NewRedisBroker(client *redis.Client, logger logging.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logging.OrNop(logger)}
}

// Publish implements Broker
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker. It returns once the server has confirmed
// every channel and pattern.
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	exact, patterns := splitPatterns(channels)

	ps := b.client.Subscribe(ctx)
	if len(exact) > 0 {
		if err := ps.Subscribe(ctx, exact...); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}
	}
	if len(patterns) > 0 {
		if err := ps.PSubscribe(ctx, patterns...); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redis psubscribe: %w", err)
		}
	}
	for range channels {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redis subscribe confirmation: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			_ = ps.Close()
			return nil, fmt.Errorf("redis subscribe: unexpected reply %T", msg)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &redisSubscription{
		ps:     ps,
		out:    make(chan Message, DefaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Set implements KeyValue
func (b *RedisBroker) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping implements Broker
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg := Message{Channel: m.Channel, Pattern: m.Pattern, Payload: []byte(m.Payload)}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSubscription) Channel() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}
