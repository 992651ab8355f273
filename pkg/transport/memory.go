package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription queue of the in-process broker
const DefaultBufferSize = 256

// MemoryBroker is an in-process broker. Delivery is non-blocking: a full
// subscriber queue drops the message and counts it.
type MemoryBroker struct {
	subscribers map[string]map[*memorySubscription]bool
	mu          sync.RWMutex
	shutdown    chan struct{}
	shutdownMu  sync.Mutex
	isShutdown  bool
	bufferSize  int
	dropped     atomic.Int64

	kvMu sync.Mutex
	kv   map[string][]byte
}

type memorySubscription struct {
	keys      []string
	channel   chan Message
	broker    *MemoryBroker
	cancel    context.CancelFunc
	closeOnce sync.Once
	sendMu    sync.Mutex
	closed    bool
}

// NewMemoryBroker creates an in-process broker. bufferSize <= 0 uses
// DefaultBufferSize.
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryBroker{
		subscribers: make(map[string]map[*memorySubscription]bool),
		shutdown:    make(chan struct{}),
		bufferSize:  bufferSize,
		kv:          make(map[string][]byte),
	}
}

func (b *MemoryBroker) closed() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Subscribe registers one subscription for all channels. It ends when
// ctx is cancelled, Close is called or the broker shuts down.
func (b *MemoryBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	if b.closed() {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		keys:    append([]string(nil), channels...),
		channel: make(chan Message, b.bufferSize),
		broker:  b,
		cancel:  cancel,
	}

	b.mu.Lock()
	for _, ch := range channels {
		if b.subscribers[ch] == nil {
			b.subscribers[ch] = make(map[*memorySubscription]bool)
		}
		b.subscribers[ch][sub] = true
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
			_ = sub.Close()
		case <-b.shutdown:
			sub.close()
		}
	}()

	return sub, nil
}

// Publish sends payload to every matching subscriber. A snapshot of the
// subscribers is taken so slow sends never hold the lock.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	type target struct {
		sub     *memorySubscription
		pattern string
	}
	var targets []target
	seen := make(map[*memorySubscription]bool)

	b.mu.RLock()
	for key, subs := range b.subscribers {
		if !Match(key, channel) {
			continue
		}
		pattern := ""
		if IsPattern(key) {
			pattern = key
		}
		for sub := range subs {
			if !seen[sub] {
				seen[sub] = true
				targets = append(targets, target{sub, pattern})
			}
		}
	}
	b.mu.RUnlock()

	for _, t := range targets {
		msg := Message{Channel: channel, Pattern: t.pattern, Payload: append([]byte(nil), payload...)}
		if !t.sub.deliver(msg) {
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns the number of messages lost to full queues
func (b *MemoryBroker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of subscriptions on an exact key
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

// Set implements KeyValue
func (b *MemoryBroker) Set(_ context.Context, key string, value []byte) error {
	if b.closed() {
		return ErrClosed
	}
	b.kvMu.Lock()
	b.kv[key] = append([]byte(nil), value...)
	b.kvMu.Unlock()
	return nil
}

// Get returns a value stored with Set
func (b *MemoryBroker) Get(key string) ([]byte, bool) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	v, ok := b.kv[key]
	return v, ok
}

// Ping implements Broker
func (b *MemoryBroker) Ping(context.Context) error {
	if b.closed() {
		return ErrClosed
	}
	return nil
}

// Close ends every subscription and rejects further use
func (b *MemoryBroker) Close() error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return nil
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	close(b.shutdown)

	b.mu.Lock()
	for key, subs := range b.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(b.subscribers, key)
	}
	b.mu.Unlock()
	return nil
}

func (s *memorySubscription) Channel() <-chan Message {
	return s.channel
}

// Close removes the subscription from the broker
func (s *memorySubscription) Close() error {
	s.cancel()

	s.broker.mu.Lock()
	for _, key := range s.keys {
		if subs := s.broker.subscribers[key]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.broker.subscribers, key)
			}
		}
	}
	s.broker.mu.Unlock()

	s.close()
	return nil
}

// deliver enqueues without blocking. It reports false when the message
// was dropped.
func (s *memorySubscription) deliver(msg Message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.channel <- msg:
		return true
	default:
		return false
	}
}

// close closes the subscription channel safely (idempotent)
func (s *memorySubscription) close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.channel)
		s.sendMu.Unlock()
	})
}
