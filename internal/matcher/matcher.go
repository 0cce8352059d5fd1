// Package matcher runs the dispatch loop: it scans open requests, widens the
// set of notified operators round by round and abandons searches that got no
// offer in time.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/apperr"
	"github.com/example/roadside-dispatch/internal/clock"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/eligibility"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

const (
	purgeEvery       = time.Minute
	pushConcurrency  = 8
	defaultTickEvery = 5 * time.Second
)

type Store interface {
	ListOpenRequests(ctx context.Context) ([]models.Request, error)
	HasProposedOffer(ctx context.Context, requestID string) (bool, error)
	ListAvailableOperators(ctx context.Context) ([]models.Operator, error)
	Apply(ctx context.Context, cs storage.ChangeSet) error
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}

type Options struct {
	Interval  time.Duration
	Retention time.Duration
	Policy    Policy
}

// Scheduler is the single dispatch loop of a process. Ticks never overlap;
// Stop lets the in-flight tick finish.
type Scheduler struct {
	store    Store
	notifier dispatch.Notifier
	clock    clock.Clock
	policy   Policy
	interval time.Duration
	keep     time.Duration
	logger   *slog.Logger

	tickMu    sync.Mutex
	lastPurge time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(store Store, notifier dispatch.Notifier, clk clock.Clock, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultTickEvery
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		clock:    clk,
		policy:   opts.Policy,
		interval: opts.Interval,
		keep:     opts.Retention,
		logger:   logger,
	}
}

// Start runs the loop in the background until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.Run(ctx)
	}(s.done)
}

func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks, ticking immediately and then every interval, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("dispatch scheduler started", "interval", s.interval.String(),
		"round_duration", s.policy.RoundDuration.String(), "max_rounds", s.policy.MaxRounds)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		// the tick itself is not cancelled by shutdown
		s.Tick(context.WithoutCancel(ctx))
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick processes every open request once. Failures are contained per request.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in dispatch tick", "error", rec, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	defer func() { observability.SchedulerTickTime.Observe(time.Since(start).Seconds()) }()
	observability.SchedulerTicks.Inc()

	now := s.clock.Now()
	reqs, err := s.store.ListOpenRequests(ctx)
	if err != nil {
		s.logger.Error("list open requests", "error", err)
		return
	}

	ops := &operatorSnapshot{load: s.store.ListAvailableOperators}
	for _, r := range reqs {
		if err := s.processSafely(ctx, r, now, ops); err != nil {
			observability.SchedulerErrors.Inc()
			s.logger.Error("dispatch request failed", "request_id", r.ID, "error", err)
		}
	}
	s.purge(ctx, now)
}

// operatorSnapshot loads available operators at most once per tick.
type operatorSnapshot struct {
	load   func(context.Context) ([]models.Operator, error)
	ops    []models.Operator
	err    error
	loaded bool
}

func (o *operatorSnapshot) get(ctx context.Context) ([]models.Operator, error) {
	if !o.loaded {
		o.ops, o.err = o.load(ctx)
		o.loaded = true
	}
	return o.ops, o.err
}

func (s *Scheduler) processSafely(ctx context.Context, req models.Request, now time.Time, ops *operatorSnapshot) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.process(ctx, req, now, ops)
}

func (s *Scheduler) process(ctx context.Context, req models.Request, now time.Time, ops *operatorSnapshot) error {
	proposed, err := s.store.HasProposedOffer(ctx, req.ID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "check proposed offers")
	}
	if proposed {
		return nil
	}

	round := s.policy.Round(now.Sub(req.CreatedAt))
	if s.policy.TimedOut(round) {
		return s.timeout(ctx, req, now, round)
	}
	if req.LastNotifiedRound != nil && *req.LastNotifiedRound >= round {
		return nil
	}

	all, err := ops.get(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "list available operators")
	}
	pool := eligibility.Pool(req, all, s.policy.PoolSize(round))
	if len(pool) == 0 {
		s.logger.Debug("no eligible operators", "request_id", req.ID, "round", round)
		return nil
	}

	upd := req
	upd.LastNotifiedRound = &round
	upd.UpdatedAt = now
	if upd.Status == models.RequestPending {
		upd.Status = models.RequestSearching
	}
	// record the round before notifying so a round is announced at most once
	if err := s.store.Apply(ctx, storage.ChangeSet{Requests: []models.Request{upd}}); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.logger.Debug("request changed during dispatch, retrying next tick", "request_id", req.ID)
			return nil
		}
		return apperr.Wrap(apperr.Transient, err, "record notified round")
	}

	observability.PoolSize.Observe(float64(len(pool)))
	s.logger.Info("dispatching request", "request_id", req.ID, "round", round, "pool_size", len(pool))
	s.fanOut(ctx, req, round, pool)
	return nil
}

func (s *Scheduler) timeout(ctx context.Context, req models.Request, now time.Time, round int) error {
	upd := req
	upd.Status = models.RequestCancelled
	upd.UpdatedAt = now
	if err := s.store.Apply(ctx, storage.ChangeSet{Requests: []models.Request{upd}}); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// an offer or the customer got there first; re-evaluated next tick
			return nil
		}
		return apperr.Wrap(apperr.Transient, err, "cancel timed out request")
	}
	observability.RequestsTimedOut.Inc()
	s.logger.Info("search timed out", "request_id", req.ID, "round", round)
	payload := map[string]any{
		"request_id": req.ID,
		"rounds":     round,
		"message":    "no operator responded in time",
	}
	if err := s.notifier.PublishToRequest(ctx, req.ID, dispatch.EventSearchTimedOut, payload); err != nil {
		s.logger.Warn("publish timeout event", "request_id", req.ID, "error", err)
	}
	return nil
}

// NewRequestPayload is what an operator receives about a request.
type NewRequestPayload struct {
	RequestID         string        `json:"request_id"`
	Phone             string        `json:"phone"`
	Lat               float64       `json:"lat"`
	Lon               float64       `json:"lon"`
	Destination       *models.Coord `json:"destination,omitempty"`
	Description       string        `json:"description"`
	RequiredEquipment string        `json:"required_equipment,omitempty"`
	DistanceKm        float64       `json:"distance_km"`
	Round             int           `json:"round"`
}

// fanOut delivers to every operator independently. Live delivery is in pool
// order; offline pushes run concurrently.
func (s *Scheduler) fanOut(ctx context.Context, req models.Request, round int, pool []eligibility.Candidate) {
	payloads := make([]NewRequestPayload, len(pool))
	for i, c := range pool {
		payloads[i] = NewRequestPayload{
			RequestID:         req.ID,
			Phone:             req.Phone,
			Lat:               req.Origin.Lat,
			Lon:               req.Origin.Lon,
			Destination:       req.Destination,
			Description:       req.Description,
			RequiredEquipment: req.RequiredEquipment,
			DistanceKm:        geo.RoundTo1(c.DistanceKm),
			Round:             round,
		}
		if err := s.notifier.PublishToOperator(ctx, c.Operator.ID, dispatch.EventNewRequest, payloads[i]); err != nil {
			s.logger.Warn("live notify failed", "request_id", req.ID, "operator_id", c.Operator.ID, "error", err)
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, pushConcurrency)
	for i, c := range pool {
		wg.Add(1)
		sem <- struct{}{}
		go func(operatorID string, p NewRequestPayload) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.notifier.SendOfflinePush(ctx, operatorID, p); err != nil {
				s.logger.Warn("offline push failed", "request_id", req.ID, "operator_id", operatorID, "error", err)
			}
		}(c.Operator.ID, payloads[i])
	}
	wg.Wait()
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	if s.keep <= 0 || now.Sub(s.lastPurge) < purgeEvery {
		return
	}
	s.lastPurge = now
	n, err := s.store.PurgeTerminal(ctx, now.Add(-s.keep))
	if err != nil {
		s.logger.Warn("purge terminal requests", "error", err)
		return
	}
	if n > 0 {
		observability.RequestsPurged.Add(float64(n))
		s.logger.Info("purged terminal requests", "count", n)
	}
}
