package matcher

import (
	"context"
	"errors"
	"math"

	"github.com/example/roadside-dispatch/internal/apperr"
	"github.com/example/roadside-dispatch/internal/eligibility"
	"github.com/example/roadside-dispatch/internal/eta"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/storage"
)

type HelpStore interface {
	GetRequest(ctx context.Context, id string) (models.Request, error)
	ListAvailableOperators(ctx context.Context) ([]models.Operator, error)
}

// NearbyOperator is one entry of the "available help" listing shown to a customer.
type NearbyOperator struct {
	OperatorID string     `json:"operator_id"`
	Name       string     `json:"name"`
	DistanceKm float64    `json:"distance_km"`
	ETASeconds float64    `json:"eta_seconds"`
	ETASource  eta.Source `json:"eta_source"`
	Equipment  []string   `json:"equipment"`
}

var straightLine = eta.NewEstimator(nil, eta.DefaultSpeedMps, 0, nil)

// HelpFinder lists eligible operators for a request with an arrival estimate.
// It reads only; it never notifies anyone.
type HelpFinder struct {
	Store HelpStore
	ETA   *eta.Estimator
}

func (h *HelpFinder) Find(ctx context.Context, requestID string, limit int) ([]NearbyOperator, error) {
	req, err := h.Store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "request %s not found", requestID)
		}
		return nil, apperr.Wrap(apperr.Transient, err, "load request")
	}
	ops, err := h.Store.ListAvailableOperators(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list operators")
	}
	if limit <= 0 {
		limit = 10
	}
	est := h.ETA
	if est == nil {
		est = straightLine
	}
	pool := eligibility.Pool(req, ops, limit)
	out := make([]NearbyOperator, 0, len(pool))
	for _, c := range pool {
		secs, src := est.Seconds(ctx, *c.Operator.Location, req.Origin)
		out = append(out, NearbyOperator{
			OperatorID: c.Operator.ID,
			Name:       c.Operator.Name,
			DistanceKm: geo.RoundTo1(c.DistanceKm),
			ETASeconds: math.Round(secs),
			ETASource:  src,
			Equipment:  c.Operator.Equipment,
		})
	}
	return out, nil
}
