package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"threatwatch/internal/model"
)

// Publisher accepts live messages. Implementations never block the caller.
type Publisher interface {
	Publish(msg model.Message)
}

type Subscriber struct {
	id        string
	tenant    string
	filtered  bool
	ch        chan model.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) ID() string { return s.id }

// C delivers messages in publish order.
func (s *Subscriber) C() <-chan model.Message { return s.ch }

// Done is closed once the subscriber has been removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) wants(msg model.Message) bool {
	return !s.filtered || s.tenant == msg.TenantID
}

type SubscribeOption func(*Subscriber)

// WithTenant limits delivery to messages of one tenant.
func WithTenant(tenant string) SubscribeOption {
	return func(s *Subscriber) {
		s.tenant = tenant
		s.filtered = true
	}
}

// Broadcaster fans messages out to subscribers. A full subscriber queue drops
// the message for that subscriber only.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	logger    *slog.Logger
	published atomic.Uint64
	dropped   atomic.Uint64
}

func New(queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Broadcaster{subs: make(map[string]*Subscriber), queueSize: queueSize, logger: logger}
}

func (b *Broadcaster) Subscribe(opts ...SubscribeOption) *Subscriber {
	s := &Subscriber{
		id:   uuid.NewString(),
		ch:   make(chan model.Message, b.queueSize),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	b.subs[s.id] = s
	count := len(b.subs)
	b.mu.Unlock()
	if b.logger != nil {
		b.logger.Debug("subscriber added", "subscriber_id", s.id, "tenant_id", s.tenant, "subscribers", count)
	}
	return s
}

// Unsubscribe removes the subscriber and drains its queue. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.closeOnce.Do(func() { close(s.done) })
	for {
		select {
		case <-s.ch:
		default:
			if b.logger != nil {
				b.logger.Debug("subscriber removed", "subscriber_id", id, "subscribers", count)
			}
			return
		}
	}
}

func (b *Broadcaster) Publish(msg model.Message) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(msg) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.Warn("subscriber queue full, dropping message", "subscriber_id", s.id, "type", msg.Type)
			}
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Dropped() uint64   { return b.dropped.Load() }
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Close removes every subscriber so open streams end.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Unsubscribe(id)
	}
}

// Fanout publishes each message to every target in order.
type Fanout []Publisher

func (f Fanout) Publish(msg model.Message) {
	for _, p := range f {
		if p != nil {
			p.Publish(msg)
		}
	}
}
