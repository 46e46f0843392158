package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Position is a driver location returned by a radius query.
type Position struct {
	DriverID  string
	Location  models.Coord
	DistanceM float64
}

// Geo is the spatial index of online driver positions.
type Geo interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	// Nearby returns drivers within radiusM of center, nearest first.
	// A non-positive limit returns every match.
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Position, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = loc
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; in prod use the Redis index
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusM float64, limit int) ([]Position, error) {
	g.mu.RLock()
	out := make([]Position, 0, len(g.drivers))
	for id, loc := range g.drivers {
		dist := Distance(center, loc)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		out = append(out, Position{DriverID: id, Location: loc, DistanceM: dist})
	}
	g.mu.RUnlock()
	SortPositions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortPositions orders by distance, breaking ties by driver id.
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].DistanceM != ps[j].DistanceM {
			return ps[i].DistanceM < ps[j].DistanceM
		}
		return ps[i].DriverID < ps[j].DriverID
	})
}

func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
