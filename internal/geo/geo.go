package geo

import (
	"math"
	"sort"

	"github.com/example/roadside-dispatch/internal/models"
)

// EarthRadiusKm is the sphere radius used by the Haversine formula.
const EarthRadiusKm = 6371.0

// DefaultSpeedKmh is the assumed average travel speed for ETA estimates.
const DefaultSpeedKmh = 40.0

// Candidate is an ephemeral point fed to FindNearby. Loc may be nil for
// candidates without a known position; those are skipped, not errors.
type Candidate struct {
	ID      string
	Loc     *models.Location
	Payload any
}

// Match is a candidate annotated with its distance from the origin.
type Match struct {
	Candidate  Candidate
	DistanceKm float64
}

// DistanceKm returns the great-circle distance between two points in
// kilometers. Symmetric, non-negative, zero for identical points.
func DistanceKm(a, b models.Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// FindNearby filters candidates to those within radiusKm of origin
// (boundary inclusive) and returns them sorted by ascending distance.
// Ties keep input order. Candidates without a location are skipped.
// Pure function; the annotated distance is rounded to two decimals for
// display, the filter and sort use the exact value.
func FindNearby(origin models.Location, candidates []Candidate, radiusKm float64) []Match {
	type scored struct {
		m    Match
		dist float64
	}
	within := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Loc == nil {
			continue
		}
		d := DistanceKm(origin, *c.Loc)
		if d > radiusKm {
			continue
		}
		within = append(within, scored{
			m:    Match{Candidate: c, DistanceKm: math.Round(d*100) / 100},
			dist: d,
		})
	}
	sort.SliceStable(within, func(i, j int) bool { return within[i].dist < within[j].dist })
	out := make([]Match, 0, len(within))
	for _, s := range within {
		out = append(out, s.m)
	}
	return out
}

// EstimatedTravelMinutes converts a distance to whole travel minutes at
// avgSpeedKmh. Non-positive distances clamp to 0; a non-positive speed
// falls back to DefaultSpeedKmh.
func EstimatedTravelMinutes(distanceKm, avgSpeedKmh float64) int {
	if distanceKm <= 0 {
		return 0
	}
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = DefaultSpeedKmh
	}
	return int(math.Round(distanceKm / avgSpeedKmh * 60))
}
