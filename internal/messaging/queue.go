// Package messaging defines the queue port used between the API side and the
// analysis workers, plus an in-process implementation.
//
// Two delivery modes exist. Publish/Subscribe is a work queue: each message
// is handled by exactly one subscriber across all instances. Broadcast/
// SubscribeBroadcast fans a message out to every subscriber of every
// instance and is not persisted.
package messaging

import (
	"context"
	"errors"
)

// Subjects used by the service.
const (
	SubjectRun          = "dsa.run"
	SubjectCancel       = "dsa.cancel"
	SubjectResult       = "dsa.result"
	SubjectStopped      = "dsa.stopped"
	SubjectCancelFailed = "dsa.cancelfailed"
	SubjectFailed       = "dsa.failed"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Message is one queue message. Header carries string metadata such as
// CloudEvent attributes; it may be nil.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// Handler processes a received message. A returned error asks for
// redelivery where the implementation supports it.
type Handler func(ctx context.Context, msg *Message) error

// Queue is the messaging port.
type Queue interface {
	// Publish enqueues a message for exactly-one delivery.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe consumes the work queue of subject. The returned function
	// stops the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Broadcast delivers a message to every current subscriber of subject.
	Broadcast(ctx context.Context, msg *Message) error

	// SubscribeBroadcast receives every broadcast on subject.
	SubscribeBroadcast(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Ping reports whether the queue is usable.
	Ping(ctx context.Context) error

	// Drain stops accepting messages, lets in-flight handlers finish and
	// closes the queue.
	Drain() error

	// Close shuts the queue down immediately.
	Close() error
}
