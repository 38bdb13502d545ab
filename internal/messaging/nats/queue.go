// Package nats implements the messaging port with NATS. Work-queue subjects
// are stored in a JetStream stream and consumed through a durable consumer
// shared by every instance; broadcasts use core NATS subjects.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"securityanalysis/internal/messaging"
)

// DefaultStream is the stream name used when none is configured.
const DefaultStream = "DSA"

// streamSubjects are persisted; dsa.cancel is deliberately absent since it
// is broadcast over core NATS.
var streamSubjects = []string{
	messaging.SubjectRun,
	messaging.SubjectResult,
	messaging.SubjectStopped,
	messaging.SubjectCancelFailed,
	messaging.SubjectFailed,
}

const (
	streamMaxAge = 24 * time.Hour
	ackWait      = 30 * time.Second
	maxDeliver   = 5
)

// Queue implements messaging.Queue on NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger *slog.Logger
}

// Connect establishes a connection to NATS and ensures the stream exists.
func Connect(ctx context.Context, url, stream string) (*Queue, error) {
	if stream == "" {
		stream = DefaultStream
	}
	logger := slog.With("component", "queue", "impl", "nats")

	nc, err := nats.Connect(url,
		nats.Name("security-analysis-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  streamSubjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("NATS connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream, logger: logger}, nil
}

// Publish stores msg in the stream.
func (q *Queue) Publish(ctx context.Context, msg *messaging.Message) error {
	if _, err := q.js.PublishMsg(ctx, toNATS(msg)); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe consumes subject through a durable consumer shared by all
// instances, so each message reaches one of them. Failed handlers are
// redelivered up to maxDeliver times.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messaging.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	handlerCtx := context.WithoutCancel(ctx)
	cons, err := consumer.Consume(func(m jetstream.Msg) {
		msg := fromNATS(m.Subject(), m.Data(), m.Headers())
		if err := handler(handlerCtx, msg); err != nil {
			q.logger.Error("Message handler failed", "subject", m.Subject(), "error", err)
			if nakErr := m.Nak(); nakErr != nil {
				q.logger.Error("NATS nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := m.Ack(); ackErr != nil {
			q.logger.Error("NATS ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

// Broadcast publishes msg on core NATS.
func (q *Queue) Broadcast(_ context.Context, msg *messaging.Message) error {
	if err := q.nc.PublishMsg(toNATS(msg)); err != nil {
		return fmt.Errorf("nats broadcast %s: %w", msg.Subject, err)
	}
	return nil
}

// SubscribeBroadcast subscribes every instance to subject.
func (q *Queue) SubscribeBroadcast(ctx context.Context, subject string, handler messaging.Handler) (func(), error) {
	handlerCtx := context.WithoutCancel(ctx)
	sub, err := q.nc.Subscribe(subject, func(m *nats.Msg) {
		if err := handler(handlerCtx, fromNATS(m.Subject, m.Data, m.Header)); err != nil {
			q.logger.Error("Broadcast handler failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Ping round-trips to the server.
func (q *Queue) Ping(ctx context.Context) error {
	if !q.nc.IsConnected() {
		return fmt.Errorf("nats not connected: %s", q.nc.Status())
	}
	return q.nc.FlushWithContext(ctx)
}

// Drain lets subscriptions finish in-flight messages, then closes.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

func durableName(subject string) string {
	return strings.ReplaceAll(subject, ".", "-") + "-workers"
}

func toNATS(msg *messaging.Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	for k, v := range msg.Header {
		m.Header.Set(k, v)
	}
	return m
}

func fromNATS(subject string, data []byte, header nats.Header) *messaging.Message {
	msg := &messaging.Message{Subject: subject, Data: data}
	if len(header) > 0 {
		msg.Header = make(map[string]string, len(header))
		for k := range header {
			msg.Header[k] = header.Get(k)
		}
	}
	return msg
}

var _ messaging.Queue = (*Queue)(nil)
