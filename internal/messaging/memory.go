package messaging

import (
	"context"
	"log/slog"
	"maps"
	"sync"
)

const (
	subscriptionBuffer = 256
	maxPending         = 1024
)

// MemoryQueue is an in-process Queue. Work-queue messages published before
// any subscriber exists are kept (bounded) and handed to the first one.
type MemoryQueue struct {
	mu        sync.Mutex
	work      map[string][]*subscription
	next      map[string]int
	pending   map[string][]*Message
	broadcast map[string][]*subscription
	closed    bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

type subscription struct {
	subject string
	handler Handler
	ch      chan *Message
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		work:      make(map[string][]*subscription),
		next:      make(map[string]int),
		pending:   make(map[string][]*Message),
		broadcast: make(map[string][]*subscription),
		logger:    slog.With("component", "queue", "impl", "memory"),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, msg *Message) error {
	msg = clone(msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	subs := q.work[msg.Subject]
	if len(subs) == 0 {
		pending := append(q.pending[msg.Subject], msg)
		if len(pending) > maxPending {
			q.logger.Warn("Pending message dropped, no subscriber", "subject", msg.Subject)
			pending = pending[1:]
		}
		q.pending[msg.Subject] = pending
		return nil
	}

	i := q.next[msg.Subject] % len(subs)
	q.next[msg.Subject] = i + 1
	return q.enqueue(subs[i], msg)
}

func (q *MemoryQueue) Broadcast(_ context.Context, msg *Message) error {
	msg = clone(msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, s := range q.broadcast[msg.Subject] {
		_ = q.enqueue(s, clone(msg))
	}
	return nil
}

func (q *MemoryQueue) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	s := q.start(ctx, subject, handler)
	q.work[subject] = append(q.work[subject], s)
	for _, msg := range q.pending[subject] {
		_ = q.enqueue(s, msg)
	}
	delete(q.pending, subject)

	return func() { q.unsubscribe(q.work, s) }, nil
}

func (q *MemoryQueue) SubscribeBroadcast(ctx context.Context, subject string, handler Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	s := q.start(ctx, subject, handler)
	q.broadcast[subject] = append(q.broadcast[subject], s)
	return func() { q.unsubscribe(q.broadcast, s) }, nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Drain stops all subscriptions after their buffered messages are handled.
func (q *MemoryQueue) Drain() error {
	q.shutdown(true)
	q.wg.Wait()
	return nil
}

// Close stops all subscriptions, discarding buffered messages.
func (q *MemoryQueue) Close() error {
	q.shutdown(false)
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) shutdown(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, group := range []map[string][]*subscription{q.work, q.broadcast} {
		for _, subs := range group {
			for _, s := range subs {
				if drain {
					close(s.ch)
				} else {
					s.stop()
				}
			}
		}
	}
}

// start launches the delivery goroutine of a new subscription. Caller holds mu.
func (q *MemoryQueue) start(ctx context.Context, subject string, handler Handler) *subscription {
	s := &subscription{
		subject: subject,
		handler: handler,
		ch:      make(chan *Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	ctx = context.WithoutCancel(ctx)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.ch:
				if !ok {
					return
				}
				if err := s.handler(ctx, msg); err != nil {
					q.logger.Error("Message handler failed", "subject", msg.Subject, "error", err)
				}
			}
		}
	}()
	return s
}

// enqueue hands msg to s without blocking the publisher. Caller holds mu.
func (q *MemoryQueue) enqueue(s *subscription, msg *Message) error {
	select {
	case s.ch <- msg:
		return nil
	default:
		q.logger.Warn("Message dropped, subscriber buffer full", "subject", msg.Subject)
		return nil
	}
}

func (q *MemoryQueue) unsubscribe(group map[string][]*subscription, s *subscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := group[s.subject]
	for i, candidate := range subs {
		if candidate == s {
			group[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.stop()
}

func clone(msg *Message) *Message {
	c := *msg
	c.Data = append([]byte(nil), msg.Data...)
	c.Header = maps.Clone(msg.Header)
	return &c
}

var _ Queue = (*MemoryQueue)(nil)
