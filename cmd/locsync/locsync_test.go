package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/models"
)

// fakeUpdater implements GeoUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.lastMeta = values
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func TestUpdateGeoWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	u := &ingest.LocationUpdate{MechanicID: "m1", Location: models.Location{Lat: 1, Lon: 2}, Available: true, Timestamp: time.Now()}
	ctx := context.Background()
	start := time.Now()
	if err := updateGeoWithRetry(ctx, f, "mechanics_geo", u, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateGeoWithRetry_StoresAvailabilityAsString(t *testing.T) {
	for _, avail := range []bool{true, false} {
		f := &fakeUpdater{}
		u := &ingest.LocationUpdate{MechanicID: "m1", Location: models.Location{Lat: 1, Lon: 2}, Available: avail, Timestamp: time.Now()}
		if err := updateGeoWithRetry(context.Background(), f, "mechanics_geo", u, 1, time.Millisecond); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := "false"
		if avail {
			want = "true"
		}
		// the geo index reader filters on the string form
		if got, ok := f.lastMeta["available"].(string); !ok || got != want {
			t.Fatalf("available stored as %#v, want %q", f.lastMeta["available"], want)
		}
	}
}

func TestUpdateGeoWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	u := &ingest.LocationUpdate{MechanicID: "m1", Location: models.Location{Lat: 1, Lon: 2}}
	ctx := context.Background()
	if err := updateGeoWithRetry(ctx, f, "mechanics_geo", u, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}
