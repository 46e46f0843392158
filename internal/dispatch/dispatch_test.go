package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/blocklist"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/storage/storagetest"
)

var t0 = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	at        map[string]time.Time
	cancelled map[string]int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{at: map[string]time.Time{}, cancelled: map[string]int{}}
}

func (f *fakeScheduler) Schedule(rideID string, at time.Time) { f.at[rideID] = at }

func (f *fakeScheduler) Cancel(rideID string) {
	delete(f.at, rideID)
	f.cancelled[rideID]++
}

type recordingSelector struct {
	inner    Candidates
	excludes [][]string
}

func (r *recordingSelector) Candidates(ctx context.Context, ride models.Ride, exclude []string) ([]string, error) {
	r.excludes = append(r.excludes, append([]string(nil), exclude...))
	return r.inner.Candidates(ctx, ride, exclude)
}

type harness struct {
	t      *testing.T
	store  *storage.MemoryStore
	blocks *blocklist.List
	lc     *lifecycle.Manager
	sel    *recordingSelector
	sched  *fakeScheduler
	d      *Dispatcher
	now    time.Time
}

func testConfig() Config {
	return Config{
		OfferTTL:       15 * time.Second,
		SearchWindow:   5 * time.Minute,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		MinDelay:       500 * time.Millisecond,
		DeclineDelay:   time.Second,
		Jitter:         0.2,
		DeclineJitter:  0.4,
		OffersPerRound: 3,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{t: t, store: storage.NewMemoryStore(), sched: newFakeScheduler(), now: t0}
	clock := func() time.Time { return h.now }
	h.blocks = blocklist.New(h.store, clock)
	h.lc = lifecycle.NewManager(h.store, lifecycle.Policy{MaxAttempts: 3, CancelCutoff: models.RideStarted}, nil, lifecycle.WithClock(clock))
	h.sel = &recordingSelector{inner: &matcher.Selector{
		Source: matcher.StoreSource{Store: h.store},
		Blocks: h.blocks,
		Params: matcher.Params{RadiusM: 5000},
		Now:    clock,
	}}
	h.d = New(h.store, h.lc, h.sel, h.sched, cfg, nil, WithRand(func() float64 { return 0.5 }))
	return h
}

func (h *harness) addDriver(id string, lat float64) {
	h.t.Helper()
	d := models.Driver{ID: id, Online: true, VehicleClass: models.VehicleEconomy, Location: models.Coord{Lat: lat}, LastHeartbeatAt: h.now}
	require.NoError(h.t, h.store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.PutDriver(ctx, d)
	}))
}

func (h *harness) request(id, rider string) {
	h.t.Helper()
	_, err := h.lc.Create(context.Background(), models.Ride{ID: id, RiderID: rider, Tier: models.TierEconomy})
	require.NoError(h.t, err)
}

func (h *harness) round(id string) Outcome {
	h.t.Helper()
	out, err := h.d.DispatchRound(context.Background(), id)
	require.NoError(h.t, err)
	return out
}

func (h *harness) offerStatuses(rideID string) map[string]models.OfferStatus {
	h.t.Helper()
	list, err := h.store.ListOffersByRide(context.Background(), rideID)
	require.NoError(h.t, err)
	out := map[string]models.OfferStatus{}
	for _, o := range list {
		out[o.DriverID] = o.Status
	}
	return out
}

func driverIDs(list []models.Offer) []string {
	out := make([]string, len(list))
	for i, o := range list {
		out[i] = o.DriverID
	}
	return out
}

func TestBackoff(t *testing.T) {
	var got []time.Duration
	for a := 0; a <= 6; a++ {
		got = append(got, Backoff(a, time.Second, 8*time.Second, 0, 0, 0.5))
	}
	assert.Equal(t, []time.Duration{
		time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)

	assert.Equal(t, 800*time.Millisecond, Backoff(1, time.Second, 0, 0, 0.2, 0))
	assert.InDelta(t, float64(1200*time.Millisecond), float64(Backoff(1, time.Second, 0, 0, 0.2, 0.999999)), float64(time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, Backoff(1, 100*time.Millisecond, time.Second, 500*time.Millisecond, 0.2, 0.5))
	assert.Equal(t, 30*time.Second, Backoff(200, 2*time.Second, 30*time.Second, 0, 0, 0.5), "large attempt counts must not overflow")
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	cfg := testConfig()
	for i := 0; i < 100; i++ {
		rnd := float64(i) / 100
		d := cfg.RetryDelay(2, rnd)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)

		dd := cfg.DeclineRedispatchDelay(rnd)
		assert.GreaterOrEqual(t, dd, 600*time.Millisecond)
		assert.LessOrEqual(t, dd, 1400*time.Millisecond)
	}
}

func TestDispatchRound_OffersNearestDrivers(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addDriver("d3", 0.003)
	h.addDriver("d1", 0.001)
	h.addDriver("d2", 0.002)
	h.addDriver("d4", 0.004)
	h.request("r1", "c1")

	out := h.round("r1")
	assert.Equal(t, OutcomeOffered, out.Kind)
	assert.Equal(t, []string{"d1", "d2", "d3"}, driverIDs(out.Offers))
	assert.Equal(t, models.RideOffered, out.Ride.Status)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, out.Ride.AttemptedDriverIDs)
	require.NotNil(t, out.Ride.SearchExpiresAt)
	assert.Equal(t, t0.Add(5*time.Minute), *out.Ride.SearchExpiresAt)
	require.NotNil(t, out.Ride.OfferExpiresAt)
	assert.Equal(t, t0.Add(15*time.Second), *out.Ride.OfferExpiresAt)
	assert.Equal(t, t0.Add(15*time.Second), h.sched.at["r1"])

	for _, o := range out.Offers {
		assert.Equal(t, models.OfferPending, o.Status)
		assert.Equal(t, t0.Add(15*time.Second), o.ExpiresAt)
	}

	timeline, err := h.store.Timeline(context.Background(), "r1")
	require.NoError(t, err)
	kinds := make([]models.EventKind, len(timeline))
	for i, ev := range timeline {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []models.EventKind{models.EventRequest, models.EventDispatch, models.EventOfferIssued}, kinds)
}

func TestDispatchRound_NoCandidatesBacksOff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.request("r1", "c1")

	out := h.round("r1")
	assert.Equal(t, OutcomeRetrying, out.Kind)
	assert.Equal(t, models.RideDispatching, out.Ride.Status)
	assert.Equal(t, 1, out.Ride.DispatchAttempts)
	assert.Equal(t, t0.Add(2*time.Second), h.sched.at["r1"])

	h.now = h.now.Add(2 * time.Second)
	out = h.round("r1")
	assert.Equal(t, 2, out.Ride.DispatchAttempts)
	assert.Equal(t, h.now.Add(4*time.Second), h.sched.at["r1"])
}

func TestDispatchRound_CancelsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.request("r1", "c1")

	for i := 1; i <= 3; i++ {
		out := h.round("r1")
		require.Equal(t, OutcomeRetrying, out.Kind)
		require.Equal(t, i, out.Ride.DispatchAttempts)
		h.now = h.now.Add(10 * time.Second)
	}
	out := h.round("r1")
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, models.RideCancelled, out.Ride.Status)
	assert.Equal(t, models.ReasonMaxAttempts, out.Ride.CancelReason)
	_, armed := h.sched.at["r1"]
	assert.False(t, armed)
}

func TestDispatchRound_SearchTimeout(t *testing.T) {
	h := newHarness(t, testConfig())
	h.request("r1", "c1")
	h.round("r1")

	h.now = t0.Add(5 * time.Minute)
	out := h.round("r1")
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, models.ReasonSearchTimeout, out.Ride.CancelReason)
}

func TestDispatchRound_RetryNeverOvershootsSearchWindow(t *testing.T) {
	cfg := testConfig()
	cfg.SearchWindow = time.Second
	h := newHarness(t, cfg)
	h.request("r1", "c1")

	h.round("r1")
	assert.Equal(t, t0.Add(time.Second), h.sched.at["r1"])
}

func TestDecline_RedispatchExcludesDecliner(t *testing.T) {
	cfg := testConfig()
	cfg.OffersPerRound = 1
	h := newHarness(t, cfg)
	h.addDriver("d1", 0.001)
	h.addDriver("d2", 0.002)
	h.request("r1", "c1")

	out := h.round("r1")
	require.Equal(t, []string{"d1"}, driverIDs(out.Offers))

	h.now = h.now.Add(3 * time.Second)
	o, err := h.d.Decline(context.Background(), "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, o.Status)
	assert.Equal(t, h.now.Add(time.Second), h.sched.at["r1"], "decline re-dispatches faster than the offer window")

	h.now = h.now.Add(time.Second)
	out = h.round("r1")
	assert.Equal(t, OutcomeOffered, out.Kind)
	assert.Equal(t, []string{"d2"}, driverIDs(out.Offers))
	assert.Equal(t, 1, out.Ride.DispatchAttempts)

	last := h.sel.excludes[len(h.sel.excludes)-1]
	assert.Contains(t, last, "d1")

	h.now = h.now.Add(time.Minute)
	out = h.round("r1")
	assert.Equal(t, OutcomeRetrying, out.Kind)
	assert.Empty(t, out.Offers, "d1 must never be offered the ride again")
	assert.Equal(t, models.OfferRejected, h.offerStatuses("r1")["d1"])
}

func TestDecline_LapsedOfferIsPreconditionFailed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addDriver("d1", 0.001)
	h.request("r1", "c1")
	h.round("r1")

	h.now = t0.Add(15 * time.Second)
	_, err := h.d.Decline(context.Background(), "r1", "d1")
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	assert.Equal(t, models.OfferExpired, h.offerStatuses("r1")["d1"])

	_, err = h.d.Decline(context.Background(), "r1", "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDecline_TerminalRideIsLeftUntouched(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addDriver("d1", 0.001)
	h.addDriver("d2", 0.002)
	h.request("r1", "c1")
	h.round("r1")
	ctx := context.Background()

	require.NoError(t, h.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ride, err := tx.Ride(ctx, "r1")
		if err != nil {
			return err
		}
		ride.Status = models.RideCompleted
		ride.DriverID = "d2"
		ride.AttemptedDriverIDs = []string{"d2"}
		return tx.PutRide(ctx, ride)
	}))
	before, err := h.store.GetRide(ctx, "r1")
	require.NoError(t, err)
	armed := h.sched.at["r1"]

	h.now = h.now.Add(2 * time.Second)
	o, err := h.d.Decline(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, o.Status)

	after, err := h.store.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, []string{"d2"}, after.AttemptedDriverIDs)
	assert.Equal(t, armed, h.sched.at["r1"], "no re-dispatch for a terminal ride")
}

func TestDecline_LocksRideBeforeOffer(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addDriver("d1", 0.001)
	h.request("r1", "c1")
	h.round("r1")
	rec := storagetest.NewRecorder(h.store)
	d := New(rec, h.lc, h.sel, h.sched, testConfig(), nil, WithRand(func() float64 { return 0.5 }))

	h.now = h.now.Add(time.Second)
	_, err := d.Decline(context.Background(), "r1", "d1")
	require.NoError(t, err)

	txs := rec.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, []string{storagetest.KindRide, storagetest.KindOffer}, txs[0])
}

func TestDispatchRound_TopsUpAfterDecline(t *testing.T) {
	cfg := testConfig()
	cfg.OffersPerRound = 2
	h := newHarness(t, cfg)
	h.addDriver("d1", 0.001)
	h.addDriver("d2", 0.002)
	h.addDriver("d3", 0.003)
	h.request("r1", "c1")
	h.round("r1")

	h.now = h.now.Add(2 * time.Second)
	_, err := h.d.Decline(context.Background(), "r1", "d1")
	require.NoError(t, err)

	h.now = h.now.Add(time.Second)
	out := h.round("r1")
	assert.Equal(t, OutcomeOffered, out.Kind)
	assert.Equal(t, []string{"d3"}, driverIDs(out.Offers))
	assert.Equal(t, models.RideOffered, out.Ride.Status)
	assert.Equal(t, 0, out.Ride.DispatchAttempts)
	assert.Equal(t, h.now.Add(15*time.Second), *out.Ride.OfferExpiresAt)
}

func TestDispatchRound_WindowLapseRetries(t *testing.T) {
	cfg := testConfig()
	cfg.OffersPerRound = 1
	h := newHarness(t, cfg)
	h.addDriver("d1", 0.001)
	h.request("r1", "c1")
	h.round("r1")

	h.now = t0.Add(20 * time.Second)
	out := h.round("r1")
	assert.Equal(t, OutcomeRetrying, out.Kind)
	assert.Equal(t, models.RideDispatching, out.Ride.Status)
	assert.Equal(t, 1, out.Ride.DispatchAttempts, "a lapsed window counts once")
	assert.Equal(t, models.OfferExpired, h.offerStatuses("r1")["d1"])
}

func TestDispatchRound_WaitingWhileWindowOpen(t *testing.T) {
	cfg := testConfig()
	cfg.OffersPerRound = 1
	h := newHarness(t, cfg)
	h.addDriver("d1", 0.001)
	h.addDriver("d2", 0.002)
	h.request("r1", "c1")
	h.round("r1")

	h.now = t0.Add(5 * time.Second)
	out := h.round("r1")
	assert.Equal(t, OutcomeWaiting, out.Kind)
	assert.Empty(t, out.Offers)
	assert.Equal(t, t0.Add(15*time.Second), h.sched.at["r1"])
}

func TestDispatchRound_BlockedPairNeverOffered(t *testing.T) {
	cfg := testConfig()
	cfg.OffersPerRound = 1
	h := newHarness(t, cfg)
	h.addDriver("d1", 0.001)
	_, err := h.blocks.Block(context.Background(), "d1", "c1", models.BlockedByDriver, "")
	require.NoError(t, err)
	h.request("r1", "c1")

	for i := 0; i < 3; i++ {
		out := h.round("r1")
		assert.Empty(t, out.Offers)
		h.now = h.now.Add(time.Minute)
	}
	assert.Empty(t, h.offerStatuses("r1"))
}

func TestDispatchRound_SettledRideIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.request("r1", "c1")
	_, err := h.lc.Transition(context.Background(), "r1", lifecycle.Event{Kind: models.EventCancel}, models.Actor{ID: "c1", Role: models.RoleRider})
	require.NoError(t, err)

	out := h.round("r1")
	assert.Equal(t, OutcomeSettled, out.Kind)
	assert.Equal(t, 1, h.sched.cancelled["r1"])
}

func TestResume_ArmsMatchingRides(t *testing.T) {
	h := newHarness(t, testConfig())
	h.request("r1", "c1")
	h.request("r2", "c2")
	h.round("r2")
	h.request("r3", "c3")
	_, err := h.lc.Transition(context.Background(), "r3", lifecycle.Event{Kind: models.EventCancel}, models.Actor{ID: "c3", Role: models.RoleRider})
	require.NoError(t, err)
	h.sched.at = map[string]time.Time{}

	n, err := h.d.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, t0, h.sched.at["r1"])
	assert.Equal(t, t0.Add(2*time.Second), h.sched.at["r2"])
	_, armed := h.sched.at["r3"]
	assert.False(t, armed)
}
