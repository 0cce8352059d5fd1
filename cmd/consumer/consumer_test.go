package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/storage"
)

// fakeApplier implements LocationApplier for tests
type fakeApplier struct {
	failLoc   int // number of times to fail UpdateOperatorLocation before succeeding
	failAvail int // number of times to fail SetOperatorAvailability before succeeding
	locCalls  int
	avCalls   int
	notFound  bool
	last      models.Coord
}

func (f *fakeApplier) UpdateOperatorLocation(ctx context.Context, id string, loc models.Coord) error {
	f.locCalls++
	if f.notFound {
		return storage.ErrNotFound
	}
	if f.locCalls <= f.failLoc {
		return errors.New("loc fail")
	}
	f.last = loc
	return nil
}

func (f *fakeApplier) SetOperatorAvailability(ctx context.Context, id string, available bool) error {
	f.avCalls++
	if f.avCalls <= f.failAvail {
		return errors.New("availability fail")
	}
	return nil
}

func update(available *bool) ingest.LocationUpdate {
	return ingest.LocationUpdate{OperatorID: "op-1", Location: models.Coord{Lat: 1, Lon: 2}, Available: available}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	on := true
	f := &fakeApplier{failLoc: 1, failAvail: 1}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, update(&on), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.locCalls < 2 || f.avCalls < 2 {
		t.Fatalf("expected retries, got loc=%d avail=%d", f.locCalls, f.avCalls)
	}
	if f.last != (models.Coord{Lat: 1, Lon: 2}) {
		t.Fatalf("unexpected location %v", f.last)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_SkipsAvailabilityWhenAbsent(t *testing.T) {
	f := &fakeApplier{}
	if err := applyWithRetry(context.Background(), f, update(nil), 3, time.Millisecond); err != nil {
		t.Fatalf("unexpected err=%v", err)
	}
	if f.avCalls != 0 {
		t.Fatalf("availability must not be touched, calls=%d", f.avCalls)
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failLoc: 5}
	if err := applyWithRetry(context.Background(), f, update(nil), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.locCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.locCalls)
	}
}

func TestApplyWithRetry_UnknownOperatorNotRetried(t *testing.T) {
	f := &fakeApplier{notFound: true}
	err := applyWithRetry(context.Background(), f, update(nil), 3, 5*time.Millisecond)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.locCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.locCalls)
	}
}

func TestApplyWithRetry_BackoffDoubles(t *testing.T) {
	f := &fakeApplier{failLoc: 5}
	start := time.Now()
	_ = applyWithRetry(context.Background(), f, update(nil), 3, 20*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected 20ms+40ms of backoff, waited %v", elapsed)
	}
}
