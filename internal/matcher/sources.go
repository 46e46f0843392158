package matcher

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// StoreSource scans online drivers in the document store. Filtering by
// radius happens in SelectCandidates.
type StoreSource struct {
	Store storage.Store
}

func (s StoreSource) Drivers(ctx context.Context, _ models.Coord, _ float64) ([]models.Driver, error) {
	return s.Store.ListOnlineDrivers(ctx)
}

// GeoSource narrows the snapshot with the spatial index and then loads the
// authoritative availability records from the store.
type GeoSource struct {
	Geo   geo.Geo
	Store storage.Store
	// Limit bounds the radius query; non-positive means unbounded.
	Limit int
}

func (s GeoSource) Drivers(ctx context.Context, pickup models.Coord, radiusM float64) ([]models.Driver, error) {
	near, err := s.Geo.Nearby(ctx, pickup, radiusM, s.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(near))
	for _, p := range near {
		d, err := s.Store.GetDriver(ctx, p.DriverID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
