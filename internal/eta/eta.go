// Package eta estimates how long an operator needs to reach a stranded
// customer. Road routing is used when a router is configured; otherwise, or
// when it fails, the estimate is straight-line distance over a fixed speed.
package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/clock"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

// DefaultSpeedMps is about 29 km/h, a tow truck in city traffic.
const DefaultSpeedMps = 8.0

type Source string

const (
	SourceCache        Source = "cache"
	SourceRoute        Source = "route"
	SourceStraightLine Source = "straight_line"
)

// Router returns the driving time between two points.
type Router interface {
	RouteSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Estimator caches routed estimates for a short TTL. Straight-line results
// are cheap and never cached.
type Estimator struct {
	router   Router
	speedMps float64
	ttl      time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	seconds float64
	expires time.Time
}

// NewEstimator builds an estimator. router may be nil.
func NewEstimator(router Router, speedMps float64, ttl time.Duration, clk clock.Clock) *Estimator {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Estimator{router: router, speedMps: speedMps, ttl: ttl, clock: clk, entries: make(map[string]entry)}
}

// Seconds returns the estimate and where it came from.
func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) (float64, Source) {
	if e.router == nil {
		return StraightLineSeconds(from, to, e.speedMps), SourceStraightLine
	}
	k := key(from, to)
	now := e.clock.Now()
	e.mu.Lock()
	if en, ok := e.entries[k]; ok {
		if now.Before(en.expires) {
			e.mu.Unlock()
			return en.seconds, SourceCache
		}
		delete(e.entries, k)
	}
	e.mu.Unlock()

	secs, err := e.router.RouteSeconds(ctx, from, to)
	if err != nil {
		return StraightLineSeconds(from, to, e.speedMps), SourceStraightLine
	}
	if e.ttl > 0 {
		e.mu.Lock()
		e.entries[k] = entry{seconds: secs, expires: now.Add(e.ttl)}
		e.mu.Unlock()
	}
	return secs, SourceRoute
}

// key rounds to ~11 m so small GPS jitter still hits the cache.
func key(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f>%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func StraightLineSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}
