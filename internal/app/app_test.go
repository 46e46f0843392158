package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/service"
)

func testConfig() config.ServerConfig {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = time.Second
	cfg.Janitor.Interval = 0
	cfg.Auth.JWTSecret = "secret"
	return cfg
}

func TestNewInMemory(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.MaxAttempts = 7
	cfg.Dispatch.CancelCutoff = "accepted"
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Service)
	assert.NotNil(t, a.Verifier)
	assert.Equal(t, 7, a.Lifecycle.Policy().MaxAttempts)
	assert.Equal(t, models.RideAccepted, a.Lifecycle.Policy().CancelCutoff)
	assert.Equal(t, cfg.Dispatch.OfferTTL, a.Dispatcher.Config().OfferTTL)

	_, err = a.Migrate(context.Background())
	assert.Error(t, err, "migrate needs postgres")
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.Run(context.Background()))
	rep := a.Janitor.Reconcile(context.Background(), time.Now())
	assert.True(t, rep.Empty())
}

func TestDispatchedRideThroughApp(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	driver := models.Actor{ID: "d1", Role: models.RoleDriver}
	_, err = a.Service.SetDriverOnline(ctx, driver, true, models.VehicleEconomy)
	require.NoError(t, err)
	_, err = a.Service.DriverHeartbeat(ctx, driver, models.Coord{Lat: 1, Lon: 1})
	require.NoError(t, err)

	ride, err := a.Service.RequestRide(ctx, models.Actor{ID: "c1", Role: models.RoleRider}, service.RideRequest{Tier: models.TierEconomy, Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 1.01, Lon: 1}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list, err := a.Service.DriverOffers(ctx, driver)
		return err == nil && len(list) == 1 && list[0].RideID == ride.ID
	}, 2*time.Second, 10*time.Millisecond, "the timer scheduler runs the first round")
}
