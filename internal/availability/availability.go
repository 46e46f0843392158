// Package availability records driver online state and location heartbeats.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Service struct {
	store  storage.Store
	geo    geo.Geo
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Service. g may be nil when candidate selection scans the store.
func New(store storage.Store, g geo.Geo, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, geo: g, now: now, logger: logger.With("component", "availability")}
}

// SetOnline flips a driver's online flag, creating the driver on first use.
// Going online counts as a heartbeat. A busy driver may go offline; the
// assignment is kept until the ride ends.
func (s *Service) SetOnline(ctx context.Context, driverID string, online bool, class models.VehicleClass) (models.Driver, error) {
	if driverID == "" {
		return models.Driver{}, fmt.Errorf("driver id: %w", models.ErrInvalidArgument)
	}
	if class != "" && !class.Valid() {
		return models.Driver{}, fmt.Errorf("vehicle class %q: %w", class, models.ErrInvalidArgument)
	}
	now := s.now()
	var out models.Driver
	var flipped bool
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Driver(ctx, driverID)
		if errors.Is(err, models.ErrNotFound) {
			d = models.Driver{ID: driverID, VehicleClass: models.VehicleEconomy}
		} else if err != nil {
			return err
		}
		flipped = d.Online != online
		d.Online = online
		if class != "" {
			d.VehicleClass = class
		}
		if online {
			d.LastHeartbeatAt = now
		}
		d.UpdatedAt = now
		out = d
		return tx.PutDriver(ctx, d)
	})
	if err != nil {
		return models.Driver{}, err
	}
	if flipped {
		if online {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}
	s.syncGeo(ctx, out)
	s.logger.Info("driver availability", "driver_id", driverID, "online", online)
	return out, nil
}

// Heartbeat records the driver's position. The liveness timestamp is the
// server's receipt time, not the device's clock.
func (s *Service) Heartbeat(ctx context.Context, driverID string, loc models.Coord) (models.Driver, error) {
	if err := validCoord(loc); err != nil {
		return models.Driver{}, err
	}
	now := s.now()
	var out models.Driver
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		d.Location = loc
		d.LastHeartbeatAt = now
		d.UpdatedAt = now
		out = d
		return tx.PutDriver(ctx, d)
	})
	if err != nil {
		return models.Driver{}, err
	}
	s.syncGeo(ctx, out)
	return out, nil
}

func (s *Service) Get(ctx context.Context, driverID string) (models.Driver, error) {
	return s.store.GetDriver(ctx, driverID)
}

func (s *Service) syncGeo(ctx context.Context, d models.Driver) {
	if s.geo == nil {
		return
	}
	var err error
	if d.Online {
		err = s.geo.Upsert(ctx, d.ID, d.Location)
	} else {
		err = s.geo.Remove(ctx, d.ID)
	}
	if err != nil {
		s.logger.Warn("geo index update failed", "driver_id", d.ID, "error", err)
	}
}

func validCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("coordinate %v,%v out of range: %w", c.Lat, c.Lon, models.ErrInvalidArgument)
	}
	return nil
}
