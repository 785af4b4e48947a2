package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/models"
)

// MechanicIndex keeps live mechanic positions in Redis GEO so nearby
// lookups stay cheap as the fleet grows. The relational store remains
// the source of truth; this index is advisory.
type MechanicIndex struct {
	client *redis.Client
	key    string
}

func NewMechanicIndex(addr, password, key string) *MechanicIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &MechanicIndex{client: c, key: key}
}

func (m *MechanicIndex) Upsert(ctx context.Context, mechanicID string, loc models.Location, available bool) error {
	if _, err := m.client.GeoAdd(ctx, m.key, &redis.GeoLocation{
		Longitude: loc.Lon, Latitude: loc.Lat, Name: mechanicID,
	}).Result(); err != nil {
		return err
	}
	return m.client.HSet(ctx, metaKey(mechanicID), map[string]interface{}{
		"available": strconv.FormatBool(available),
		"updated":   time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

// Nearby returns available mechanics within radiusKm as candidates
// suitable for FindNearby-style annotation. Errors degrade to an empty
// result; callers fall back to the relational scan.
func (m *MechanicIndex) Nearby(ctx context.Context, origin models.Location, radiusKm float64, limit int) []Match {
	res, err := m.client.GeoRadius(ctx, m.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Match, 0, len(res))
	for _, g := range res {
		meta, err := m.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err == nil {
			// anything but an explicit "true" counts as unavailable
			if v, ok := meta["available"]; ok && v != "true" {
				continue
			}
		}
		loc := &models.Location{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Match{
			Candidate:  Candidate{ID: g.Name, Loc: loc},
			DistanceKm: g.Dist,
		})
	}
	return out
}

func (m *MechanicIndex) Close() error { return m.client.Close() }

func metaKey(id string) string { return "mechanic:meta:" + id }
