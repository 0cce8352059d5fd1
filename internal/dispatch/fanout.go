package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/roadside-dispatch/internal/clock"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

const (
	EventNewRequest       = "new_request"
	EventSearchTimedOut   = "search_timed_out"
	EventOfferReceived    = "offer_received"
	EventOfferAccepted    = "offer_accepted"
	EventOfferRejected    = "offer_rejected"
	EventOfferWithdrawn   = "offer_withdrawn"
	EventRequestCancelled = "request_cancelled"
	EventStatusChanged    = "status_changed"
)

// Notifier is the notification port used by the scheduler and the offer manager.
type Notifier interface {
	PublishToRequest(ctx context.Context, requestID, event string, payload any) error
	PublishToOperator(ctx context.Context, operatorID, event string, payload any) error
	SendOfflinePush(ctx context.Context, operatorID string, payload any) error
}

// GroupPublisher delivers an event to a live channel group. Hub publishes
// locally; RedisRelay publishes to every process.
type GroupPublisher interface {
	Publish(ctx context.Context, group string, ev models.Event) error
}

type EventLog interface {
	Record(ctx context.Context, group string, ev models.Event) error
}

type OfflinePusher interface {
	SendOfflinePush(ctx context.Context, operatorID string, payload any) error
}

// Fanout implements Notifier on top of the live channel, an optional event
// log and an optional offline push path.
type Fanout struct {
	Live   GroupPublisher
	Events EventLog
	Push   OfflinePusher
	Clock  clock.Clock
	Logger *slog.Logger
}

func (f *Fanout) PublishToRequest(ctx context.Context, requestID, event string, payload any) error {
	return f.publish(ctx, RequestGroup(requestID), event, payload)
}

func (f *Fanout) PublishToOperator(ctx context.Context, operatorID, event string, payload any) error {
	return f.publish(ctx, OperatorGroup(operatorID), event, payload)
}

func (f *Fanout) publish(ctx context.Context, group, name string, payload any) error {
	ev := models.Event{Name: name, Payload: payload, At: f.now()}
	if f.Events != nil {
		if err := f.Events.Record(ctx, group, ev); err != nil {
			f.Logger.Warn("event log append failed", "group", group, "event", name, "error", err)
		}
	}
	err := f.Live.Publish(ctx, group, ev)
	switch {
	case err == nil:
		observability.NotificationsTotal.WithLabelValues("live", "delivered").Inc()
	case errors.Is(err, ErrNoSession):
		// nobody listening on this process
		observability.NotificationsTotal.WithLabelValues("live", "no_listener").Inc()
		return nil
	default:
		observability.NotificationsTotal.WithLabelValues("live", "error").Inc()
	}
	return err
}

func (f *Fanout) SendOfflinePush(ctx context.Context, operatorID string, payload any) error {
	if f.Push == nil {
		return nil
	}
	return f.Push.SendOfflinePush(ctx, operatorID, payload)
}

func (f *Fanout) now() time.Time {
	if f.Clock == nil {
		return clock.System{}.Now()
	}
	return f.Clock.Now()
}
