// Package broadcast fans out domain events to interested parties: the
// in-process SSE hub, Redis pub/sub, a RabbitMQ exchange and an optional
// shell hook. Publishing is best-effort and never affects the outcome of
// the operation that produced the event.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types.
const (
	RequestAccepted  = "request.accepted"
	RequestAvailable = "request.available"
	RequestCancelled = "request.cancelled"
	SessionStarted   = "session.started"
	SessionEnded     = "session.ended"
	SweepCompleted   = "sweep.completed"
)

// Event is a single state-change notification.
type Event struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	MechanicID string    `json:"mechanic_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Source     string    `json:"source,omitempty"`
	Count      int       `json:"count,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// SendTimeout bounds a single Send.
const SendTimeout = 2 * time.Second

// Send publishes e through p and logs any failure. A nil publisher is a
// no-op. The caller's cancellation does not abort delivery of an event for
// a change that has already committed.
func Send(ctx context.Context, p Publisher, log logrus.FieldLogger, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SendTimeout)
	defer cancel()
	if err := p.Publish(ctx, e); err != nil && log != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"event":      e.Type,
			"request_id": e.RequestID,
			"session_id": e.SessionID,
		}).Warn("broadcast: publish failed")
	}
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }
