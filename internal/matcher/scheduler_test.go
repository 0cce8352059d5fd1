package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/eta"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/storage"
)

var (
	t0      = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	origin  = models.Coord{Lat: 52.23, Lon: 21.01}
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type sent struct {
	target string
	name   string
	data   any
}

type fakeNotifier struct {
	mu       sync.Mutex
	request  []sent
	operator []sent
	pushes   []string
	failLive map[string]bool
	failPush map[string]bool
}

func (f *fakeNotifier) PublishToRequest(_ context.Context, id, name string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.request = append(f.request, sent{id, name, data})
	return nil
}

func (f *fakeNotifier) PublishToOperator(_ context.Context, id, name string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLive[id] {
		return errors.New("ws gone")
	}
	f.operator = append(f.operator, sent{id, name, data})
	return nil
}

func (f *fakeNotifier) SendOfflinePush(_ context.Context, id string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPush[id] {
		return errors.New("fcm unavailable")
	}
	f.pushes = append(f.pushes, id)
	return nil
}

func (f *fakeNotifier) operatorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.operator)
}

func north(km float64) *models.Coord {
	return &models.Coord{Lat: origin.Lat + km/111.195, Lon: origin.Lon}
}

type fixture struct {
	store    *storage.MemoryStore
	notifier *fakeNotifier
	clock    *fakeClock
	sched    *Scheduler
}

func newFixture(t *testing.T, operators int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		notifier: &fakeNotifier{failLive: map[string]bool{}, failPush: map[string]bool{}},
		clock:    &fakeClock{now: t0},
	}
	for i := 1; i <= operators; i++ {
		require.NoError(t, f.store.UpsertOperator(ctx, models.Operator{
			ID: fmt.Sprintf("op-%02d", i), Available: true, ServiceRadiusKm: 20, Location: north(float64(i) * 0.4),
		}))
	}
	f.sched = NewScheduler(f.store, f.notifier, f.clock, Options{Interval: 10 * time.Millisecond, Retention: time.Hour, Policy: DefaultPolicy()}, discard)
	return f
}

func (f *fixture) addRequest(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateRequest(context.Background(), models.Request{
		ID: id, Phone: "+48500100200", Origin: origin, Description: "flat tyre",
		Status: models.RequestPending, CreatedAt: t0, UpdatedAt: t0, Version: 1,
	}))
}

func (f *fixture) request(t *testing.T, id string) models.Request {
	t.Helper()
	r, err := f.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestTickNotifiesInitialPoolOnce(t *testing.T) {
	f := newFixture(t, 40)
	f.addRequest(t, "r1")
	ctx := context.Background()

	f.sched.Tick(ctx)
	assert.Equal(t, 15, f.notifier.operatorCount())
	assert.Len(t, f.notifier.pushes, 15)

	first := f.notifier.operator[0]
	assert.Equal(t, "op-01", first.target)
	assert.Equal(t, dispatch.EventNewRequest, first.name)
	payload := first.data.(NewRequestPayload)
	assert.Equal(t, "r1", payload.RequestID)
	assert.Equal(t, "+48500100200", payload.Phone)
	assert.Equal(t, 0.4, payload.DistanceKm)

	r := f.request(t, "r1")
	assert.Equal(t, models.RequestSearching, r.Status)
	require.NotNil(t, r.LastNotifiedRound)
	assert.Equal(t, 0, *r.LastNotifiedRound)

	f.clock.Set(t0.Add(20 * time.Second))
	f.sched.Tick(ctx)
	assert.Equal(t, 15, f.notifier.operatorCount(), "no re-notification within a round")
}

func TestTickExpandsPoolOnRoundBoundary(t *testing.T) {
	f := newFixture(t, 40)
	f.addRequest(t, "r1")
	ctx := context.Background()

	f.sched.Tick(ctx)
	f.clock.Set(t0.Add(31 * time.Second))
	f.sched.Tick(ctx)
	assert.Equal(t, 15+25, f.notifier.operatorCount())

	f.clock.Set(t0.Add(95 * time.Second))
	f.sched.Tick(ctx)
	assert.Equal(t, 15+25+40, f.notifier.operatorCount(), "round 3 pool of 45 is capped by 40 eligible operators")
	assert.Equal(t, 3, *f.request(t, "r1").LastNotifiedRound)
}

func TestTimeoutCancelsOnceAndStopsNotifying(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, "r1")
	ctx := context.Background()

	f.clock.Set(t0.Add(2 * time.Minute))
	f.sched.Tick(ctx)
	f.sched.Tick(ctx)
	f.clock.Set(t0.Add(10 * time.Minute))
	f.sched.Tick(ctx)

	assert.Equal(t, models.RequestCancelled, f.request(t, "r1").Status)
	require.Len(t, f.notifier.request, 1)
	assert.Equal(t, dispatch.EventSearchTimedOut, f.notifier.request[0].name)
	assert.Equal(t, 0, f.notifier.operatorCount())
}

func TestProposedOfferPreventsTimeout(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, "r1")
	ctx := context.Background()
	require.NoError(t, f.store.Apply(ctx, storage.ChangeSet{NewOffers: []models.Offer{
		{ID: "o1", RequestID: "r1", OperatorID: "op-01", Price: 200, Status: models.OfferProposed, CreatedAt: t0},
	}}))

	f.clock.Set(t0.Add(time.Hour))
	f.sched.Tick(ctx)

	assert.Equal(t, models.RequestPending, f.request(t, "r1").Status)
	assert.Empty(t, f.notifier.request)
	assert.Equal(t, 0, f.notifier.operatorCount())
}

func TestNoEligibleOperatorsLeavesRequestUntouched(t *testing.T) {
	f := newFixture(t, 0)
	f.addRequest(t, "r1")
	f.sched.Tick(context.Background())
	r := f.request(t, "r1")
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Nil(t, r.LastNotifiedRound)
}

type flakyStore struct {
	*storage.MemoryStore
	failFor string
}

func (s *flakyStore) HasProposedOffer(ctx context.Context, id string) (bool, error) {
	if id == s.failFor {
		return false, errors.New("connection reset")
	}
	return s.MemoryStore.HasProposedOffer(ctx, id)
}

func TestOneFailingRequestDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, 3)
	f.addRequest(t, "r-bad")
	f.addRequest(t, "r-good")
	s := NewScheduler(&flakyStore{MemoryStore: f.store, failFor: "r-bad"}, f.notifier, f.clock, Options{Policy: DefaultPolicy()}, discard)

	s.Tick(context.Background())

	assert.Equal(t, 3, f.notifier.operatorCount())
	assert.Nil(t, f.request(t, "r-bad").LastNotifiedRound)
	assert.NotNil(t, f.request(t, "r-good").LastNotifiedRound)
}

func TestDeliveryFailuresAreIndependent(t *testing.T) {
	f := newFixture(t, 3)
	f.addRequest(t, "r1")
	f.notifier.failLive["op-01"] = true
	f.notifier.failPush["op-02"] = true

	f.sched.Tick(context.Background())

	assert.Equal(t, 2, f.notifier.operatorCount())
	assert.ElementsMatch(t, []string{"op-01", "op-03"}, f.notifier.pushes)
	assert.Equal(t, 0, *f.request(t, "r1").LastNotifiedRound)
}

func TestPurgeRemovesOldTerminalRequests(t *testing.T) {
	f := newFixture(t, 0)
	f.addRequest(t, "r1")
	ctx := context.Background()
	f.clock.Set(t0.Add(5 * time.Minute))
	f.sched.Tick(ctx) // times out

	f.clock.Set(t0.Add(2 * time.Hour))
	f.sched.Tick(ctx)

	_, err := f.store.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 2)
	f.addRequest(t, "r1")
	f.sched.Start(context.Background())
	require.Eventually(t, func() bool { return f.notifier.operatorCount() == 2 }, time.Second, 5*time.Millisecond)
	f.sched.Stop()
	f.sched.Stop() // idempotent
}

func TestHelpFinderListsEligibleOperatorsByDistance(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, "r1")
	h := &HelpFinder{Store: f.store, ETA: eta.NewEstimator(nil, 10, 0, nil)}

	got, err := h.Find(context.Background(), "r1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "op-01", got[0].OperatorID)
	assert.InDelta(t, 40, got[0].ETASeconds, 1)
	assert.Equal(t, eta.SourceStraightLine, got[0].ETASource)

	_, err = h.Find(context.Background(), "missing", 3)
	assert.Error(t, err)
}

// racingStore runs a competing write once, after the scheduler has read the
// request and checked for offers but before it commits.
type racingStore struct {
	*storage.MemoryStore
	once  sync.Once
	write func(ctx context.Context, s *storage.MemoryStore) error
	err   error
}

func (s *racingStore) HasProposedOffer(ctx context.Context, id string) (bool, error) {
	has, err := s.MemoryStore.HasProposedOffer(ctx, id)
	s.once.Do(func() { s.err = s.write(ctx, s.MemoryStore) })
	return has, err
}

func TestTimeoutLosesToConcurrentOffer(t *testing.T) {
	f := newFixture(t, 3)
	f.addRequest(t, "r1")
	ctx := context.Background()
	rs := &racingStore{MemoryStore: f.store, write: func(ctx context.Context, m *storage.MemoryStore) error {
		r, err := m.GetRequest(ctx, "r1")
		if err != nil {
			return err
		}
		r.Status = models.RequestOfferReceived
		return m.Apply(ctx, storage.ChangeSet{
			Requests:  []models.Request{r},
			NewOffers: []models.Offer{{ID: "o1", RequestID: "r1", OperatorID: "op-01", Price: 150, Status: models.OfferProposed, CreatedAt: t0}},
		})
	}}
	s := NewScheduler(rs, f.notifier, f.clock, Options{Policy: DefaultPolicy()}, discard)

	f.clock.Set(t0.Add(3 * time.Minute))
	s.Tick(ctx)
	require.NoError(t, rs.err)

	assert.Equal(t, models.RequestOfferReceived, f.request(t, "r1").Status)
	assert.Empty(t, f.notifier.request, "no search_timed_out after losing the race")

	s.Tick(ctx)
	assert.Equal(t, models.RequestOfferReceived, f.request(t, "r1").Status)
	assert.Empty(t, f.notifier.request)
}

func TestRoundRecordLosesToConcurrentWrite(t *testing.T) {
	f := newFixture(t, 3)
	f.addRequest(t, "r1")
	ctx := context.Background()
	rs := &racingStore{MemoryStore: f.store, write: func(ctx context.Context, m *storage.MemoryStore) error {
		r, err := m.GetRequest(ctx, "r1")
		if err != nil {
			return err
		}
		r.UpdatedAt = t0.Add(time.Second)
		return m.Apply(ctx, storage.ChangeSet{Requests: []models.Request{r}})
	}}
	s := NewScheduler(rs, f.notifier, f.clock, Options{Policy: DefaultPolicy()}, discard)

	s.Tick(ctx)
	require.NoError(t, rs.err)
	assert.Equal(t, 0, f.notifier.operatorCount(), "nobody is notified when the round was not recorded")
	assert.Empty(t, f.notifier.pushes)
	assert.Nil(t, f.request(t, "r1").LastNotifiedRound)

	s.Tick(ctx)
	assert.Equal(t, 3, f.notifier.operatorCount())
	assert.Equal(t, 0, *f.request(t, "r1").LastNotifiedRound)
}

func TestConcurrentTicksAnnounceRoundOnce(t *testing.T) {
	f := newFixture(t, 20)
	f.addRequest(t, "r1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sched.Tick(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 15, f.notifier.operatorCount())
	f.notifier.mu.Lock()
	assert.Len(t, f.notifier.pushes, 15)
	f.notifier.mu.Unlock()
}
