package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrVersionConflict = errors.New("storage: version conflict")
)

// ChangeSet is applied atomically by Store.Apply.
//
// Requests and Offers carry the version the caller read; the write succeeds
// only if every row still has that version, and each written row's version is
// incremented. For requests only Status, UpdatedAt and LastNotifiedRound are
// written; for offers only Status and AcceptedAt.
type ChangeSet struct {
	Requests  []models.Request
	Offers    []models.Offer
	NewOffers []models.Offer
}

// Store is the persistence port of the dispatch core.
type Store interface {
	CreateRequest(ctx context.Context, r models.Request) error
	GetRequest(ctx context.Context, id string) (models.Request, error)
	ListOpenRequests(ctx context.Context) ([]models.Request, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)

	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffers(ctx context.Context, requestID string) ([]models.Offer, error)
	HasProposedOffer(ctx context.Context, requestID string) (bool, error)

	Apply(ctx context.Context, cs ChangeSet) error

	GetOperator(ctx context.Context, id string) (models.Operator, error)
	ListAvailableOperators(ctx context.Context) ([]models.Operator, error)
	UpsertOperator(ctx context.Context, op models.Operator) error
	UpdateOperatorLocation(ctx context.Context, id string, loc models.Coord) error
	SetOperatorAvailability(ctx context.Context, id string, available bool) error

	UpsertEquipment(ctx context.Context, e models.Equipment) error
	GetEquipment(ctx context.Context, id string) (models.Equipment, error)
	ListEquipment(ctx context.Context) ([]models.Equipment, error)

	AddSubscription(ctx context.Context, sub models.PushSubscription) error
	ListActiveSubscriptions(ctx context.Context, operatorID string) ([]models.PushSubscription, error)
	DeactivateSubscription(ctx context.Context, id string) error
}
