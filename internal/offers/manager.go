// Package offers owns every status change a request or offer goes through
// outside the dispatch loop: recording bids, resolving the single winner,
// customer cancellation and job progression.
package offers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/roadside-dispatch/internal/apperr"
	"github.com/example/roadside-dispatch/internal/clock"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

const (
	submitAttempts    = 3
	maxDescriptionLen = 1000
)

type Store interface {
	CreateRequest(ctx context.Context, r models.Request) error
	GetRequest(ctx context.Context, id string) (models.Request, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ListOffers(ctx context.Context, requestID string) ([]models.Offer, error)
	GetOperator(ctx context.Context, id string) (models.Operator, error)
	GetEquipment(ctx context.Context, id string) (models.Equipment, error)
	Apply(ctx context.Context, cs storage.ChangeSet) error
}

// PaymentHolder places an authorization hold for an accepted offer.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, reference string) (string, error)
}

type Limits struct {
	MaxPrice            float64
	MaxEstimatedMinutes int
}

func DefaultLimits() Limits {
	return Limits{MaxPrice: 100000, MaxEstimatedMinutes: 1440}
}

type Manager struct {
	store    Store
	notifier dispatch.Notifier
	clock    clock.Clock
	limits   Limits
	logger   *slog.Logger

	// held from commit until the request's events are published, so a
	// channel never sees offer_accepted before the offer_received it follows
	emit *requestLocks

	payments PaymentHolder
	currency string
}

func NewManager(store Store, notifier dispatch.Notifier, clk clock.Clock, limits Limits, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{store: store, notifier: notifier, clock: clk, limits: limits, logger: logger, emit: newRequestLocks()}
}

// WithPayments enables a best-effort hold of the accepted price.
func (m *Manager) WithPayments(h PaymentHolder, currency string) *Manager {
	m.payments = h
	m.currency = currency
	return m
}

type CreateRequestInput struct {
	Phone             string        `json:"phone"`
	Origin            *models.Coord `json:"origin"`
	Destination       *models.Coord `json:"destination,omitempty"`
	Description       string        `json:"description,omitempty"`
	RequiredEquipment string        `json:"required_equipment,omitempty"`
}

func (m *Manager) CreateRequest(ctx context.Context, in CreateRequestInput) (models.Request, error) {
	phone := strings.TrimSpace(in.Phone)
	switch {
	case phone == "":
		return models.Request{}, apperr.New(apperr.Validation, "phone is required")
	case in.Origin == nil:
		return models.Request{}, apperr.New(apperr.Validation, "origin is required")
	case !geo.ValidCoord(*in.Origin):
		return models.Request{}, apperr.New(apperr.Validation, "origin is out of range")
	case in.Destination != nil && !geo.ValidCoord(*in.Destination):
		return models.Request{}, apperr.New(apperr.Validation, "destination is out of range")
	case utf8.RuneCountInString(in.Description) > maxDescriptionLen:
		return models.Request{}, apperr.New(apperr.Validation, "description exceeds %d characters", maxDescriptionLen)
	}
	if in.RequiredEquipment != "" {
		if _, err := m.store.GetEquipment(ctx, in.RequiredEquipment); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return models.Request{}, apperr.New(apperr.Validation, "unknown equipment %q", in.RequiredEquipment)
			}
			return models.Request{}, apperr.Wrap(apperr.Transient, err, "load equipment")
		}
	}
	now := m.clock.Now()
	r := models.Request{
		ID:                uuid.NewString(),
		Phone:             phone,
		Origin:            *in.Origin,
		Destination:       in.Destination,
		Description:       in.Description,
		RequiredEquipment: in.RequiredEquipment,
		Status:            models.RequestPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	if err := m.store.CreateRequest(ctx, r); err != nil {
		return models.Request{}, apperr.Wrap(apperr.Transient, err, "create request")
	}
	m.logger.Info("request created", "request_id", r.ID, "required_equipment", r.RequiredEquipment)
	return r, nil
}

type RequestView struct {
	models.Request
	Offers []models.Offer `json:"offers"`
}

func (m *Manager) GetRequest(ctx context.Context, id string) (RequestView, error) {
	r, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return RequestView{}, lookupErr(err, "request", id)
	}
	offers, err := m.store.ListOffers(ctx, id)
	if err != nil {
		return RequestView{}, apperr.Wrap(apperr.Transient, err, "list offers")
	}
	return RequestView{Request: r, Offers: offers}, nil
}

type SubmitInput struct {
	RequestID        string  `json:"request_id"`
	OperatorID       string  `json:"operator_id"`
	Price            float64 `json:"price"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
}

func (m *Manager) validate(in SubmitInput) error {
	if math.IsNaN(in.Price) || in.Price < 0 || in.Price > m.limits.MaxPrice {
		return apperr.New(apperr.Validation, "price must be between 0 and %g", m.limits.MaxPrice)
	}
	if in.EstimatedMinutes != nil && (*in.EstimatedMinutes < 0 || *in.EstimatedMinutes > m.limits.MaxEstimatedMinutes) {
		return apperr.New(apperr.Validation, "estimated time must be between 0 and %d minutes", m.limits.MaxEstimatedMinutes)
	}
	return nil
}

func acceptingOffers(s models.RequestStatus) bool {
	return s.Open() || s == models.RequestOfferReceived
}

// Submit records a proposed offer. The first one moves the request to
// OfferReceived. The request row is always part of the write so a concurrent
// acceptance or timeout is detected; such conflicts are retried here.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (models.Offer, error) {
	if err := m.validate(in); err != nil {
		return models.Offer{}, err
	}
	if _, err := m.store.GetRequest(ctx, in.RequestID); err != nil {
		return models.Offer{}, lookupErr(err, "request", in.RequestID)
	}
	op, err := m.store.GetOperator(ctx, in.OperatorID)
	if err != nil {
		return models.Offer{}, lookupErr(err, "operator", in.OperatorID)
	}
	if !op.Available {
		return models.Offer{}, apperr.New(apperr.Conflict, "operator not available")
	}

	unlock := m.emit.lock(in.RequestID)
	defer unlock()
	for attempt := 0; attempt < submitAttempts; attempt++ {
		offer, err := m.trySubmit(ctx, in)
		if errors.Is(err, storage.ErrVersionConflict) {
			m.logger.Debug("submit raced with another writer", "request_id", in.RequestID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return models.Offer{}, err
		}

		observability.OffersSubmitted.Inc()
		m.logger.Info("offer submitted", "request_id", in.RequestID, "offer_id", offer.ID, "operator_id", op.ID, "price", offer.Price)
		payload := map[string]any{
			"offer_id":          offer.ID,
			"request_id":        offer.RequestID,
			"operator_id":       op.ID,
			"operator_name":     op.Name,
			"price":             offer.Price,
			"estimated_minutes": offer.EstimatedMinutes,
		}
		if err := m.notifier.PublishToRequest(ctx, in.RequestID, dispatch.EventOfferReceived, payload); err != nil {
			m.logger.Warn("publish offer received", "request_id", in.RequestID, "error", err)
		}
		return offer, nil
	}
	return models.Offer{}, apperr.New(apperr.Conflict, "request %s is being updated, try again", in.RequestID)
}

func (m *Manager) trySubmit(ctx context.Context, in SubmitInput) (models.Offer, error) {
	req, err := m.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return models.Offer{}, lookupErr(err, "request", in.RequestID)
	}
	if !acceptingOffers(req.Status) {
		return models.Offer{}, apperr.New(apperr.Conflict, "request is %s and no longer accepts offers", req.Status)
	}
	existing, err := m.store.ListOffers(ctx, req.ID)
	if err != nil {
		return models.Offer{}, apperr.Wrap(apperr.Transient, err, "list offers")
	}
	for _, o := range existing {
		if o.OperatorID == in.OperatorID && o.Status == models.OfferProposed {
			return models.Offer{}, apperr.New(apperr.Conflict, "operator already has an open offer %s", o.ID)
		}
	}

	now := m.clock.Now()
	offer := models.Offer{
		ID:               uuid.NewString(),
		RequestID:        req.ID,
		OperatorID:       in.OperatorID,
		Price:            in.Price,
		EstimatedMinutes: in.EstimatedMinutes,
		Status:           models.OfferProposed,
		CreatedAt:        now,
		Version:          1,
	}
	upd := req
	upd.Status = models.RequestOfferReceived
	upd.UpdatedAt = now
	err = m.store.Apply(ctx, storage.ChangeSet{Requests: []models.Request{upd}, NewOffers: []models.Offer{offer}})
	switch {
	case err == nil:
		return offer, nil
	case errors.Is(err, storage.ErrVersionConflict):
		return models.Offer{}, err
	case errors.Is(err, storage.ErrNotFound):
		return models.Offer{}, apperr.New(apperr.NotFound, "request %s not found", req.ID)
	default:
		return models.Offer{}, apperr.Wrap(apperr.Transient, err, "record offer")
	}
}

// Accept makes offerID the winner of its request. The offer, the request and
// every sibling proposed offer are written in one versioned change set, so of
// two racing acceptances exactly one commits and the other gets a Conflict.
func (m *Manager) Accept(ctx context.Context, offerID, phone string) (models.Offer, error) {
	offer, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, lookupErr(err, "offer", offerID)
	}
	unlock := m.emit.lock(offer.RequestID)
	defer unlock()
	req, err := m.store.GetRequest(ctx, offer.RequestID)
	if err != nil {
		return models.Offer{}, lookupErr(err, "request", offer.RequestID)
	}
	if strings.TrimSpace(phone) != req.Phone {
		return models.Offer{}, apperr.New(apperr.Authorization, "only the requester can accept this offer")
	}
	if offer.Status != models.OfferProposed {
		if offer.Status == models.OfferRejected || req.Status == models.RequestAccepted {
			return models.Offer{}, apperr.New(apperr.Conflict, "offer already accepted by someone else")
		}
		return models.Offer{}, apperr.New(apperr.Conflict, "offer is %s", offer.Status)
	}
	if !acceptingOffers(req.Status) {
		return models.Offer{}, apperr.New(apperr.Conflict, "request is %s", req.Status)
	}
	all, err := m.store.ListOffers(ctx, req.ID)
	if err != nil {
		return models.Offer{}, apperr.Wrap(apperr.Transient, err, "list offers")
	}

	now := m.clock.Now()
	won := offer
	won.Status = models.OfferAccepted
	won.AcceptedAt = &now
	cs := storage.ChangeSet{Offers: []models.Offer{won}}
	var rejected []models.Offer
	for _, o := range all {
		if o.ID == offer.ID || o.Status != models.OfferProposed {
			continue
		}
		o.Status = models.OfferRejected
		cs.Offers = append(cs.Offers, o)
		rejected = append(rejected, o)
	}
	upd := req
	upd.Status = models.RequestAccepted
	upd.UpdatedAt = now
	cs.Requests = []models.Request{upd}

	if err := m.store.Apply(ctx, cs); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			observability.AcceptConflicts.Inc()
			m.logger.Info("acceptance lost race", "request_id", req.ID, "offer_id", offerID)
			return models.Offer{}, apperr.Wrap(apperr.Conflict, err, "offer already accepted by someone else")
		case errors.Is(err, storage.ErrNotFound):
			return models.Offer{}, apperr.New(apperr.NotFound, "offer %s not found", offerID)
		default:
			return models.Offer{}, apperr.Wrap(apperr.Transient, err, "accept offer")
		}
	}
	won.Version++
	observability.OffersAccepted.Inc()
	m.logger.Info("offer accepted", "request_id", req.ID, "offer_id", won.ID, "operator_id", won.OperatorID, "rejected", len(rejected))

	m.announceAcceptance(ctx, req, won, rejected)
	m.holdPayment(ctx, won)
	return won, nil
}

func (m *Manager) announceAcceptance(ctx context.Context, req models.Request, won models.Offer, rejected []models.Offer) {
	op, err := m.store.GetOperator(ctx, won.OperatorID)
	if err != nil {
		m.logger.Warn("load winning operator", "operator_id", won.OperatorID, "error", err)
		op = models.Operator{ID: won.OperatorID}
	}
	payload := map[string]any{
		"offer_id":          won.ID,
		"request_id":        req.ID,
		"price":             won.Price,
		"estimated_minutes": won.EstimatedMinutes,
		"operator_id":       op.ID,
		"operator_name":     op.Name,
		"operator_phone":    op.Phone,
	}
	if err := m.notifier.PublishToRequest(ctx, req.ID, dispatch.EventOfferAccepted, payload); err != nil {
		m.logger.Warn("publish offer accepted", "request_id", req.ID, "error", err)
	}
	job := map[string]any{
		"offer_id":    won.ID,
		"request_id":  req.ID,
		"phone":       req.Phone,
		"origin":      req.Origin,
		"destination": req.Destination,
	}
	if err := m.notifier.PublishToOperator(ctx, won.OperatorID, dispatch.EventOfferAccepted, job); err != nil {
		m.logger.Warn("notify winning operator", "operator_id", won.OperatorID, "error", err)
	}
	for _, o := range rejected {
		if err := m.notifier.PublishToOperator(ctx, o.OperatorID, dispatch.EventOfferRejected, map[string]any{"offer_id": o.ID, "request_id": req.ID}); err != nil {
			m.logger.Warn("notify rejected operator", "operator_id", o.OperatorID, "error", err)
		}
	}
}

func (m *Manager) holdPayment(ctx context.Context, won models.Offer) {
	if m.payments == nil || won.Price <= 0 {
		return
	}
	amount := int64(math.Round(won.Price * 100))
	id, err := m.payments.Hold(ctx, amount, m.currency, won.ID)
	if err != nil {
		m.logger.Error("payment hold failed", "offer_id", won.ID, "error", err)
		return
	}
	m.logger.Info("payment held", "offer_id", won.ID, "payment_intent", id)
}

// Withdraw lets an operator take back its own proposed offer. Withdrawing the
// last proposed offer puts the request back to Searching so the scheduler
// picks it up again.
func (m *Manager) Withdraw(ctx context.Context, offerID, operatorID string) (models.Offer, error) {
	offer, err := m.store.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, lookupErr(err, "offer", offerID)
	}
	if offer.OperatorID != operatorID {
		return models.Offer{}, apperr.New(apperr.Authorization, "offer %s belongs to another operator", offerID)
	}
	unlock := m.emit.lock(offer.RequestID)
	defer unlock()
	req, err := m.store.GetRequest(ctx, offer.RequestID)
	if err != nil {
		return models.Offer{}, lookupErr(err, "request", offer.RequestID)
	}
	if offer.Status != models.OfferProposed {
		return models.Offer{}, apperr.New(apperr.Conflict, "offer is %s", offer.Status)
	}

	all, err := m.store.ListOffers(ctx, req.ID)
	if err != nil {
		return models.Offer{}, apperr.Wrap(apperr.Transient, err, "list offers")
	}
	upd := req
	upd.UpdatedAt = m.clock.Now()
	if req.Status == models.RequestOfferReceived && !otherProposed(all, offer.ID) {
		upd.Status = models.RequestSearching
	}
	gone := offer
	gone.Status = models.OfferCancelled
	if err := m.store.Apply(ctx, storage.ChangeSet{Requests: []models.Request{upd}, Offers: []models.Offer{gone}}); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return models.Offer{}, apperr.Wrap(apperr.Conflict, err, "offer changed, refresh and try again")
		}
		return models.Offer{}, apperr.Wrap(apperr.Transient, err, "withdraw offer")
	}
	gone.Version++
	m.logger.Info("offer withdrawn", "request_id", req.ID, "offer_id", offerID, "operator_id", operatorID)
	if err := m.notifier.PublishToRequest(ctx, req.ID, dispatch.EventOfferWithdrawn, map[string]any{"offer_id": offerID, "request_id": req.ID}); err != nil {
		m.logger.Warn("publish offer withdrawn", "request_id", req.ID, "error", err)
	}
	return gone, nil
}

func otherProposed(all []models.Offer, except string) bool {
	for _, o := range all {
		if o.ID != except && o.Status == models.OfferProposed {
			return true
		}
	}
	return false
}

// CancelRequest is the customer's cancellation. Only requests still searching
// can be cancelled.
func (m *Manager) CancelRequest(ctx context.Context, requestID, phone string) (models.Request, error) {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Request{}, lookupErr(err, "request", requestID)
	}
	if strings.TrimSpace(phone) != req.Phone {
		return models.Request{}, apperr.New(apperr.Authorization, "only the requester can cancel this request")
	}
	if !req.Status.Open() {
		return models.Request{}, apperr.New(apperr.Conflict, "request is %s and cannot be cancelled", req.Status)
	}
	upd := req
	upd.Status = models.RequestCancelled
	upd.UpdatedAt = m.clock.Now()
	if err := m.store.Apply(ctx, storage.ChangeSet{Requests: []models.Request{upd}}); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return models.Request{}, apperr.Wrap(apperr.Conflict, err, "request changed, refresh and try again")
		}
		return models.Request{}, apperr.Wrap(apperr.Transient, err, "cancel request")
	}
	upd.Version++
	m.logger.Info("request cancelled by customer", "request_id", requestID)
	if err := m.notifier.PublishToRequest(ctx, requestID, dispatch.EventRequestCancelled, map[string]any{"request_id": requestID}); err != nil {
		m.logger.Warn("publish request cancelled", "request_id", requestID, "error", err)
	}
	return upd, nil
}

var progression = map[models.RequestStatus]models.RequestStatus{
	models.RequestOnTheWay:  models.RequestAccepted,
	models.RequestCompleted: models.RequestOnTheWay,
}

// Advance moves an accepted job forward; only the winning operator may do so.
func (m *Manager) Advance(ctx context.Context, requestID, operatorID string, to models.RequestStatus) (models.Request, error) {
	from, ok := progression[to]
	if !ok {
		return models.Request{}, apperr.New(apperr.Validation, "cannot advance a request to %q", to)
	}
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Request{}, lookupErr(err, "request", requestID)
	}
	offers, err := m.store.ListOffers(ctx, requestID)
	if err != nil {
		return models.Request{}, apperr.Wrap(apperr.Transient, err, "list offers")
	}
	winner := ""
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			winner = o.OperatorID
		}
	}
	if winner == "" || winner != operatorID {
		return models.Request{}, apperr.New(apperr.Authorization, "operator %s is not assigned to this request", operatorID)
	}
	if req.Status != from {
		return models.Request{}, apperr.New(apperr.Conflict, "request is %s, expected %s", req.Status, from)
	}
	upd := req
	upd.Status = to
	upd.UpdatedAt = m.clock.Now()
	if err := m.store.Apply(ctx, storage.ChangeSet{Requests: []models.Request{upd}}); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return models.Request{}, apperr.Wrap(apperr.Conflict, err, "request changed, refresh and try again")
		}
		return models.Request{}, apperr.Wrap(apperr.Transient, err, "advance request")
	}
	upd.Version++
	if err := m.notifier.PublishToRequest(ctx, requestID, dispatch.EventStatusChanged, map[string]any{"request_id": requestID, "status": to}); err != nil {
		m.logger.Warn("publish status change", "request_id", requestID, "error", err)
	}
	return upd, nil
}

func lookupErr(err error, what, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.NotFound, "%s %s not found", what, id)
	}
	return apperr.Wrap(apperr.Transient, err, "load "+what)
}

// Now is exposed for hosts that stamp related records.
func (m *Manager) Now() time.Time { return m.clock.Now() }
