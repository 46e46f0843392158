package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Params tune which drivers are eligible for a ride.
type Params struct {
	RadiusM float64
	// Limit caps the returned list; non-positive means no cap.
	Limit int
	// HeartbeatMaxAge drops drivers whose last heartbeat is older than this
	// at Snapshot.Now. Zero disables the check.
	HeartbeatMaxAge time.Duration
}

// Snapshot is the driver state a selection is computed over.
type Snapshot struct {
	Drivers []models.Driver
	// Blocked holds drivers with a block against the ride's rider in either direction.
	Blocked map[string]struct{}
	Now     time.Time
}

// TierAccepts reports whether a vehicle class may serve a service tier.
// Comfort vehicles may take economy rides; XL only serves XL.
func TierAccepts(tier models.ServiceTier, class models.VehicleClass) bool {
	switch tier {
	case models.TierEconomy:
		return class == models.VehicleEconomy || class == models.VehicleComfort
	case models.TierComfort:
		return class == models.VehicleComfort
	case models.TierXL:
		return class == models.VehicleXL
	}
	return false
}

// SelectCandidates ranks eligible drivers for ride, nearest first with ties
// broken by driver id. It is a pure function of its arguments.
func SelectCandidates(ride models.Ride, exclude []string, snap Snapshot, p Params) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	type scored struct {
		id   string
		dist float64
	}
	list := make([]scored, 0, len(snap.Drivers))
	for _, d := range snap.Drivers {
		if !d.Available() {
			continue
		}
		if _, ok := skip[d.ID]; ok {
			continue
		}
		if _, ok := snap.Blocked[d.ID]; ok {
			continue
		}
		if !TierAccepts(ride.Tier, d.VehicleClass) {
			continue
		}
		if p.HeartbeatMaxAge > 0 && snap.Now.Sub(d.LastHeartbeatAt) > p.HeartbeatMaxAge {
			continue
		}
		dist := geo.Distance(ride.Pickup, d.Location)
		if p.RadiusM > 0 && dist > p.RadiusM {
			continue
		}
		list = append(list, scored{d.ID, dist})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].dist != list[j].dist {
			return list[i].dist < list[j].dist
		}
		return list[i].id < list[j].id
	})
	if p.Limit > 0 && len(list) > p.Limit {
		list = list[:p.Limit]
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

// DriverSource supplies the driver snapshot near a pickup point.
type DriverSource interface {
	Drivers(ctx context.Context, pickup models.Coord, radiusM float64) ([]models.Driver, error)
}

// BlockSource resolves the drivers excluded for a rider.
type BlockSource interface {
	BlockedDrivers(ctx context.Context, customerID string) (map[string]struct{}, error)
}

// Selector gathers a snapshot and runs SelectCandidates over it.
type Selector struct {
	Source DriverSource
	Blocks BlockSource
	Params Params
	Now    func() time.Time
}

func (s *Selector) Candidates(ctx context.Context, ride models.Ride, exclude []string) ([]string, error) {
	drivers, err := s.Source.Drivers(ctx, ride.Pickup, s.Params.RadiusM)
	if err != nil {
		return nil, err
	}
	var blocked map[string]struct{}
	if s.Blocks != nil {
		if blocked, err = s.Blocks.BlockedDrivers(ctx, ride.RiderID); err != nil {
			return nil, err
		}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return SelectCandidates(ride, exclude, Snapshot{Drivers: drivers, Blocked: blocked, Now: now()}, s.Params), nil
}
