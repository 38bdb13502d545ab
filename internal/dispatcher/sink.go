package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"securityanalysis/internal/messaging"
	"securityanalysis/pkg/cloudevent"
)

// QueueScheme prefixes destinations published on the message queue.
const QueueScheme = "nats:"

// ErrNoQueue is returned for a queue destination when no queue is configured.
var ErrNoQueue = errors.New("no message queue configured")

// Sink performs a single delivery attempt.
type Sink interface {
	Send(ctx context.Context, destination string, event *cloudevent.CloudEvent, opts cloudevent.SendOptions) error
}

// Router delivers queue destinations through a messaging.Queue and every
// other destination as an HTTP POST.
type Router struct {
	http  *cloudevent.Sender
	queue messaging.Queue
}

// NewRouter creates a sink. queue may be nil when only webhooks are used.
func NewRouter(queue messaging.Queue, httpTimeout time.Duration) *Router {
	return &Router{
		http:  cloudevent.NewSender(httpTimeout),
		queue: queue,
	}
}

// Send implements Sink.
func (r *Router) Send(ctx context.Context, destination string, event *cloudevent.CloudEvent, opts cloudevent.SendOptions) error {
	subject, ok := strings.CutPrefix(destination, QueueScheme)
	if !ok {
		return r.http.Send(ctx, destination, event, opts)
	}
	if r.queue == nil {
		return ErrNoQueue
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	header := event.Headers()
	switch {
	case opts.Signature != "":
		header[cloudevent.SignatureHeader] = opts.Signature
	case opts.SigningKey != "":
		header[cloudevent.SignatureHeader] = cloudevent.SignBody(body, opts.SigningKey)
	}
	return r.queue.Publish(ctx, &messaging.Message{Subject: subject, Data: body, Header: header})
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return cloudevent.IsClientError(err) ||
		errors.Is(err, ErrNoQueue) ||
		errors.Is(err, messaging.ErrClosed)
}

// destinationKey keys circuit breakers: the subject for queue destinations,
// the host for webhooks.
func destinationKey(destination string) string {
	if strings.HasPrefix(destination, QueueScheme) {
		return destination
	}
	parsed, err := url.Parse(destination)
	if err != nil || parsed.Host == "" {
		return destination
	}
	return parsed.Host
}
