package bus

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/mcpchain/workflow"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int

	Logger *slog.Logger
}

// MemBus is an in-memory event bus. It satisfies workflow.EventPublisher so
// an engine can publish to it directly.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // runID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
	dropped    atomic.Uint64
	logger     *slog.Logger
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Publish sends an event to run subscribers and global subscribers. A full
// subscriber buffer drops the event for that subscriber only. Publishing on a
// closed bus is a no-op.
func (b *MemBus) Publish(event workflow.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.RunID] {
		b.deliver(sub, event)
	}
	for _, sub := range b.globalSubs {
		b.deliver(sub, event)
	}
}

func (b *MemBus) deliver(sub *memSub, event workflow.Event) {
	if sub.send(event) {
		return
	}
	b.dropped.Add(1)
	b.logger.Debug("bus subscriber full, event dropped",
		"run_id", event.RunID, "kind", event.Kind, "seq", event.Seq)
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(runID, sub) }
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.removeGlobal(sub) }
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Dropped reports how many deliveries were dropped on full buffers.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

func (b *MemBus) remove(runID string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[runID] = slices.DeleteFunc(b.subs[runID], func(s *memSub) bool { return s == sub })
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
}

func (b *MemBus) removeGlobal(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalSubs = slices.DeleteFunc(b.globalSubs, func(s *memSub) bool { return s == sub })
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan workflow.Event
	mu     sync.Mutex
	closed bool
	detach func()
}

func newMemSub(bufSize int) *memSub {
	return &memSub{ch: make(chan workflow.Event, bufSize)}
}

func (s *memSub) Events() <-chan workflow.Event {
	return s.ch
}

// Close unsubscribes from the bus and closes the event channel.
func (s *memSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send reports false when the buffer is full. A closed subscription accepts
// and discards.
func (s *memSub) send(event workflow.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

var (
	_ EventBus                = (*MemBus)(nil)
	_ workflow.EventPublisher = (*MemBus)(nil)
	_ Subscription            = (*memSub)(nil)
)
