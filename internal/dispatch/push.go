package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/roadside-dispatch/internal/apperr"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

type PushOutcome int

const (
	PushDelivered PushOutcome = iota
	PushPermanentlyInvalid
	PushTransientFailure
)

func (o PushOutcome) String() string {
	switch o {
	case PushDelivered:
		return "delivered"
	case PushPermanentlyInvalid:
		return "invalid"
	default:
		return "transient"
	}
}

// PushSender delivers one payload to one device token.
type PushSender interface {
	Send(ctx context.Context, token string, payload any) (PushOutcome, error)
}

// FCMSender posts JSON to the FCM HTTP v1 send endpoint using a bearer token.
type FCMSender struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMSender(endpoint, key string) *FCMSender {
	return &FCMSender{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMSender) Send(ctx context.Context, token string, payload any) (PushOutcome, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PushTransientFailure, err
	}
	body := map[string]any{"message": map[string]any{"token": token, "data": map[string]string{"payload": string(data)}}}
	b, err := json.Marshal(body)
	if err != nil {
		return PushTransientFailure, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return PushTransientFailure, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return PushTransientFailure, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return PushDelivered, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("fcm: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone || bytes.Contains(msg, []byte("UNREGISTERED")) {
		return PushPermanentlyInvalid, err
	}
	return PushTransientFailure, err
}

type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context, operatorID string) ([]models.PushSubscription, error)
	DeactivateSubscription(ctx context.Context, id string) error
}

// PushDispatcher sends offline notifications to every active subscription of
// an operator. Subscriptions the transport reports as gone are deactivated and
// never surface as errors; only transient failures are returned.
type PushDispatcher struct {
	Subs   SubscriptionStore
	Sender PushSender
	Logger *slog.Logger
}

func (p *PushDispatcher) SendOfflinePush(ctx context.Context, operatorID string, payload any) error {
	subs, err := p.Subs.ListActiveSubscriptions(ctx, operatorID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "list push subscriptions")
	}
	var errs []error
	for _, sub := range subs {
		outcome, err := p.Sender.Send(ctx, sub.Token, payload)
		observability.NotificationsTotal.WithLabelValues("push", outcome.String()).Inc()
		switch outcome {
		case PushDelivered:
		case PushPermanentlyInvalid:
			gone := apperr.Wrap(apperr.PermanentSubscription, err, "subscription "+sub.ID)
			p.Logger.Info("push subscription invalid, deactivating", "operator_id", operatorID, "subscription_id", sub.ID, "error", gone)
			if derr := p.Subs.DeactivateSubscription(ctx, sub.ID); derr != nil {
				errs = append(errs, apperr.Wrap(apperr.Transient, derr, "deactivate subscription "+sub.ID))
				continue
			}
			observability.SubscriptionsGone.Inc()
		default:
			if err == nil {
				err = errors.New("push failed")
			}
			errs = append(errs, apperr.Wrap(apperr.Transient, err, "push to subscription "+sub.ID))
		}
	}
	return errors.Join(errs...)
}
