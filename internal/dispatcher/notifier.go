package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"securityanalysis/pkg/cloudevent"
)

// Notifier fans events out to the destinations routed for their type.
type Notifier struct {
	dispatcher Dispatcher
	routes     map[string][]string
	signingKey string
	logger     *slog.Logger
}

// NewNotifier creates a notifier. routes maps a CloudEvent type to its
// destinations; signingKey, when set, signs every delivery.
func NewNotifier(d Dispatcher, routes map[string][]string, signingKey string) *Notifier {
	copied := make(map[string][]string, len(routes))
	for eventType, destinations := range routes {
		copied[eventType] = slices.Clone(destinations)
	}
	return &Notifier{
		dispatcher: d,
		routes:     copied,
		signingKey: signingKey,
		logger:     slog.With("component", "notifier"),
	}
}

// EventTypes returns the routed event types, sorted.
func (n *Notifier) EventTypes() []string {
	return slices.Sorted(maps.Keys(n.routes))
}

// Notify queues ev for every destination routed for its type. An event type
// without routes is logged and ignored.
func (n *Notifier) Notify(_ context.Context, ev *cloudevent.CloudEvent) error {
	destinations := n.routes[ev.Type]
	if len(destinations) == 0 {
		n.logger.Debug("No destination for event", "type", ev.Type, "subject", ev.Subject)
		return nil
	}

	var errs []error
	for _, destination := range destinations {
		err := n.dispatcher.Dispatch(&Event{
			Payload:     ev,
			Destination: destination,
			SigningKey:  n.signingKey,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s to %s: %w", ev.Type, destinationKey(destination), err))
		}
	}
	return errors.Join(errs...)
}
