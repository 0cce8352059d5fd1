package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// MemoryStore is a process-local Store. All reads return copies.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]models.Request
	offers    map[string]models.Offer
	operators map[string]models.Operator
	equipment map[string]models.Equipment
	subs      map[string]models.PushSubscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]models.Request),
		offers:    make(map[string]models.Offer),
		operators: make(map[string]models.Operator),
		equipment: make(map[string]models.Equipment),
		subs:      make(map[string]models.PushSubscription),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrVersionConflict
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListOpenRequests(_ context.Context) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Request, 0)
	for _, r := range m.requests {
		if r.Status.Open() {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.requests {
		if r.Status.Terminal() && r.UpdatedAt.Before(before) {
			delete(m.requests, id)
			for oid, o := range m.offers {
				if o.RequestID == id {
					delete(m.offers, oid)
				}
			}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) ListOffers(_ context.Context, requestID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, o := range m.offers {
		if o.RequestID == requestID {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) HasProposedOffer(_ context.Context, requestID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.RequestID == requestID && o.Status == models.OfferProposed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Apply(_ context.Context, cs ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range cs.Requests {
		cur, ok := m.requests[r.ID]
		if !ok {
			return ErrNotFound
		}
		if cur.Version != r.Version {
			return ErrVersionConflict
		}
	}
	for _, o := range cs.Offers {
		cur, ok := m.offers[o.ID]
		if !ok {
			return ErrNotFound
		}
		if cur.Version != o.Version {
			return ErrVersionConflict
		}
	}
	for _, o := range cs.NewOffers {
		if _, ok := m.offers[o.ID]; ok {
			return ErrVersionConflict
		}
		if _, ok := m.requests[o.RequestID]; !ok {
			return ErrNotFound
		}
	}
	if m.secondAcceptance(cs.Offers) {
		return ErrVersionConflict
	}

	for _, r := range cs.Requests {
		cur := m.requests[r.ID]
		cur.Status = r.Status
		cur.UpdatedAt = r.UpdatedAt
		cur.LastNotifiedRound = cloneInt(r.LastNotifiedRound)
		cur.Version++
		m.requests[r.ID] = cur
	}
	for _, o := range cs.Offers {
		cur := m.offers[o.ID]
		cur.Status = o.Status
		cur.AcceptedAt = cloneTime(o.AcceptedAt)
		cur.Version++
		m.offers[o.ID] = cur
	}
	for _, o := range cs.NewOffers {
		o = cloneOffer(o)
		o.Version = 1
		m.offers[o.ID] = o
	}
	return nil
}

// secondAcceptance mirrors the partial unique index the SQL schema keeps on
// accepted offers.
func (m *MemoryStore) secondAcceptance(updates []models.Offer) bool {
	for _, u := range updates {
		if u.Status != models.OfferAccepted {
			continue
		}
		for id, o := range m.offers {
			if id != u.ID && o.RequestID == u.RequestID && o.Status == models.OfferAccepted {
				return true
			}
		}
	}
	return false
}

func (m *MemoryStore) GetOperator(_ context.Context, id string) (models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[id]
	if !ok {
		return models.Operator{}, ErrNotFound
	}
	return cloneOperator(op), nil
}

func (m *MemoryStore) ListAvailableOperators(_ context.Context) ([]models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Operator, 0, len(m.operators))
	for _, op := range m.operators {
		if op.Available && op.Location != nil {
			out = append(out, cloneOperator(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertOperator(_ context.Context, op models.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[op.ID] = cloneOperator(op)
	return nil
}

func (m *MemoryStore) UpdateOperatorLocation(_ context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return ErrNotFound
	}
	op.Location = &loc
	m.operators[id] = op
	return nil
}

func (m *MemoryStore) SetOperatorAvailability(_ context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return ErrNotFound
	}
	op.Available = available
	m.operators[id] = op
	return nil
}

func (m *MemoryStore) UpsertEquipment(_ context.Context, e models.Equipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equipment[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEquipment(_ context.Context, id string) (models.Equipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.equipment[id]
	if !ok {
		return models.Equipment{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) ListEquipment(_ context.Context) ([]models.Equipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Equipment, 0, len(m.equipment))
	for _, e := range m.equipment {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AddSubscription(_ context.Context, sub models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) ListActiveSubscriptions(_ context.Context, operatorID string) ([]models.PushSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PushSubscription, 0)
	for _, s := range m.subs {
		if s.OperatorID == operatorID && s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeactivateSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	m.subs[id] = s
	return nil
}

func cloneRequest(r models.Request) models.Request {
	if r.Destination != nil {
		d := *r.Destination
		r.Destination = &d
	}
	r.LastNotifiedRound = cloneInt(r.LastNotifiedRound)
	return r
}

func cloneOffer(o models.Offer) models.Offer {
	o.EstimatedMinutes = cloneInt(o.EstimatedMinutes)
	o.AcceptedAt = cloneTime(o.AcceptedAt)
	return o
}

func cloneOperator(op models.Operator) models.Operator {
	if op.Location != nil {
		l := *op.Location
		op.Location = &l
	}
	op.Equipment = slices.Clone(op.Equipment)
	return op
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
