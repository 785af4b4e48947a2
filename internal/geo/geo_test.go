package geo

import (
	"math"
	"testing"

	"github.com/example/roadside-dispatch/internal/models"
)

func TestDistanceKmZeroForSamePoint(t *testing.T) {
	pts := []models.Location{
		{Lat: 0, Lon: 0},
		{Lat: -1.2921, Lon: 36.8219},
		{Lat: 51.5074, Lon: -0.1278},
	}
	for _, p := range pts {
		if d := DistanceKm(p, p); d != 0 {
			t.Fatalf("expected 0 for identical points, got %f", d)
		}
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := models.Location{Lat: -1.2921, Lon: 36.8219}
	b := models.Location{Lat: -1.3032, Lon: 36.7073}
	if DistanceKm(a, b) != DistanceKm(b, a) {
		t.Fatalf("distance not symmetric: %f vs %f", DistanceKm(a, b), DistanceKm(b, a))
	}
}

func TestDistanceKmOneDegreeAtEquator(t *testing.T) {
	d := DistanceKm(models.Location{Lat: 0, Lon: 0}, models.Location{Lat: 0, Lon: 1})
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("expected ~111.19 km, got %f", d)
	}
}

func TestFindNearbyFiltersAndSorts(t *testing.T) {
	origin := models.Location{Lat: 0, Lon: 0}
	cands := []Candidate{
		{ID: "far", Loc: &models.Location{Lat: 0, Lon: 1}},       // ~111 km
		{ID: "nolocation"},                                       // skipped
		{ID: "near", Loc: &models.Location{Lat: 0, Lon: 0.01}},   // ~1.1 km
		{ID: "medium", Loc: &models.Location{Lat: 0, Lon: 0.05}}, // ~5.6 km
	}
	got := FindNearby(origin, cands, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Candidate.ID != "near" || got[1].Candidate.ID != "medium" {
		t.Fatalf("wrong order: %s, %s", got[0].Candidate.ID, got[1].Candidate.ID)
	}
	for _, m := range got {
		if m.DistanceKm > 10 {
			t.Fatalf("match %s beyond radius: %f", m.Candidate.ID, m.DistanceKm)
		}
	}
}

func TestFindNearbyInclusiveBoundary(t *testing.T) {
	origin := models.Location{Lat: 0, Lon: 0}
	target := models.Location{Lat: 0, Lon: 0.5}
	radius := DistanceKm(origin, target)
	got := FindNearby(origin, []Candidate{{ID: "edge", Loc: &target}}, radius)
	if len(got) != 1 {
		t.Fatalf("candidate exactly at radius should be included")
	}
}

func TestFindNearbyStableTieOrder(t *testing.T) {
	origin := models.Location{Lat: 0, Lon: 0}
	same := models.Location{Lat: 0, Lon: 0.01}
	cands := []Candidate{
		{ID: "first", Loc: &same},
		{ID: "second", Loc: &same},
	}
	got := FindNearby(origin, cands, 5)
	if len(got) != 2 || got[0].Candidate.ID != "first" || got[1].Candidate.ID != "second" {
		t.Fatalf("tie order not stable: %+v", got)
	}
}

func TestFindNearbyOutOfRangeOriginDoesNotPanic(t *testing.T) {
	origin := models.Location{Lat: 400, Lon: -720}
	_ = FindNearby(origin, []Candidate{{ID: "x", Loc: &models.Location{Lat: 0, Lon: 0}}}, 100)
}

func TestEstimatedTravelMinutes(t *testing.T) {
	cases := []struct {
		dist, speed float64
		want        int
	}{
		{0, 40, 0},
		{-3, 40, 0},
		{40, 40, 60},
		{10, 40, 15},
		{10, 0, 15}, // zero speed falls back to default 40
		{1, 40, 2},  // 1.5 min rounds up
	}
	for _, c := range cases {
		if got := EstimatedTravelMinutes(c.dist, c.speed); got != c.want {
			t.Fatalf("EstimatedTravelMinutes(%f, %f) = %d, want %d", c.dist, c.speed, got, c.want)
		}
	}
}
