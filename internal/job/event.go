package job

import (
	"fmt"
	"time"

	"securityanalysis/pkg/cloudevent"
)

// Event types for analysis lifecycle notifications.
const (
	EventTypeResult       = "dsa.analysis.result"
	EventTypeCancelled    = "dsa.analysis.cancelled"
	EventTypeCancelFailed = "dsa.analysis.cancel_failed"
	EventTypeFailed       = "dsa.analysis.failed"
)

// EventSource is the CloudEvent source of every event the service emits.
const EventSource = "security-analysis-service"

// Outcome messages carried by events.
const (
	MessageCompleted         = "Security analysis completed"
	MessageCancelled         = "Security analysis was canceled"
	MessageCancelTooLate     = "Security analysis could not be canceled: computation already completed"
	MessageCancelRunning     = "Security analysis could not be canceled: computation is not interruptible"
	MessageCancelPreparing   = "Security analysis could not be canceled: inputs are being assembled"
	MessageUnknownResult     = "Security analysis could not be canceled: unknown result"
	MessageCancelUndelivered = "Security analysis could not be canceled: stop request not delivered"
)

// EventBuilder builds CloudEvents for one result.
type EventBuilder struct {
	source     string
	resultUUID string
	receiver   string
	userID     string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(resultUUID, receiver, userID string) *EventBuilder {
	return &EventBuilder{
		source:     EventSource,
		resultUUID: resultUUID,
		receiver:   receiver,
		userID:     userID,
	}
}

// Build creates a new CloudEvent with the given type and message.
func (b *EventBuilder) Build(eventType, message string) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.resultUUID, time.Now().UnixNano())
	data := map[string]any{
		"resultUuid": b.resultUUID,
		"receiver":   b.receiver,
		"userId":     b.userID,
		"message":    message,
	}
	return cloudevent.New(eventType, b.source, b.resultUUID, eventID, data)
}

// BuildResultEvent creates the result-available event.
func (b *EventBuilder) BuildResultEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeResult, MessageCompleted)
}

// BuildCancelledEvent creates the cancellation-acknowledged event.
func (b *EventBuilder) BuildCancelledEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeCancelled, MessageCancelled)
}

// BuildCancelFailedEvent creates the cancellation-failed event.
func (b *EventBuilder) BuildCancelFailedEvent(reason string) *cloudevent.CloudEvent {
	return b.Build(EventTypeCancelFailed, reason)
}

// BuildFailedEvent creates the run-failed event.
func (b *EventBuilder) BuildFailedEvent(err error) *cloudevent.CloudEvent {
	message := "Security analysis failed"
	if err != nil {
		message = err.Error()
	}
	return b.Build(EventTypeFailed, message)
}
