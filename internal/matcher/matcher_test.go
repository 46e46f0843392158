package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func driver(id string, lat float64, class models.VehicleClass) models.Driver {
	return models.Driver{ID: id, Online: true, VehicleClass: class, Location: models.Coord{Lat: lat}, LastHeartbeatAt: now}
}

func TestSelectCandidates_FiltersAndOrders(t *testing.T) {
	ride := models.Ride{ID: "r1", RiderID: "c1", Tier: models.TierEconomy}
	busy := driver("busy", 0.001, models.VehicleEconomy)
	busy.Busy = true
	busy.CurrentRideID = "other"
	offline := driver("offline", 0.001, models.VehicleEconomy)
	offline.Online = false
	stale := driver("stale", 0.001, models.VehicleEconomy)
	stale.LastHeartbeatAt = now.Add(-5 * time.Minute)

	snap := Snapshot{
		Drivers: []models.Driver{
			driver("c", 0.002, models.VehicleComfort),
			driver("b", 0.001, models.VehicleEconomy),
			driver("a", 0.001, models.VehicleEconomy),
			driver("xl", 0.0001, models.VehicleXL),
			driver("far", 1, models.VehicleEconomy),
			driver("blocked", 0.0001, models.VehicleEconomy),
			driver("tried", 0.0001, models.VehicleEconomy),
			busy, offline, stale,
		},
		Blocked: map[string]struct{}{"blocked": {}},
		Now:     now,
	}

	got := SelectCandidates(ride, []string{"tried"}, snap, Params{RadiusM: 5000, HeartbeatMaxAge: 2 * time.Minute})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSelectCandidates_Deterministic(t *testing.T) {
	ride := models.Ride{Tier: models.TierEconomy}
	snap := Snapshot{Drivers: []models.Driver{
		driver("z", 0.001, models.VehicleEconomy),
		driver("y", 0.001, models.VehicleEconomy),
		driver("x", 0.001, models.VehicleEconomy),
	}, Now: now}

	first := SelectCandidates(ride, nil, snap, Params{Limit: 2})
	for i := 0; i < 10; i++ {
		snap.Drivers[0], snap.Drivers[2] = snap.Drivers[2], snap.Drivers[0]
		assert.Equal(t, first, SelectCandidates(ride, nil, snap, Params{Limit: 2}))
	}
	assert.Equal(t, []string{"x", "y"}, first)
}

func TestSelectCandidates_EmptyIsNotAnError(t *testing.T) {
	got := SelectCandidates(models.Ride{Tier: models.TierXL}, nil, Snapshot{
		Drivers: []models.Driver{driver("e", 0, models.VehicleEconomy)},
	}, Params{})
	assert.Empty(t, got)
}

func TestTierAccepts(t *testing.T) {
	assert.True(t, TierAccepts(models.TierEconomy, models.VehicleComfort))
	assert.False(t, TierAccepts(models.TierComfort, models.VehicleEconomy))
	assert.False(t, TierAccepts(models.TierXL, models.VehicleComfort))
	assert.False(t, TierAccepts("luxury", models.VehicleXL))
}

type staticBlocks map[string]struct{}

func (s staticBlocks) BlockedDrivers(context.Context, string) (map[string]struct{}, error) {
	return s, nil
}

func TestSelector_GeoSourceUsesStoreState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	for _, d := range []models.Driver{
		driver("d1", 0.001, models.VehicleEconomy),
		driver("d2", 0.002, models.VehicleEconomy),
		driver("d3", 0.003, models.VehicleEconomy),
	} {
		d := d
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.PutDriver(ctx, d) }))
		require.NoError(t, idx.Upsert(ctx, d.ID, d.Location))
	}
	require.NoError(t, idx.Upsert(ctx, "unknown", models.Coord{}))

	sel := &Selector{
		Source: GeoSource{Geo: idx, Store: store},
		Blocks: staticBlocks{"d2": {}},
		Params: Params{RadiusM: 5000},
		Now:    func() time.Time { return now },
	}
	got, err := sel.Candidates(ctx, models.Ride{RiderID: "c1", Tier: models.TierEconomy}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d3"}, got)
}
