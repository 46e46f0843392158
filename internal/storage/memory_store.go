package storage

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is an optimistic, versioned in-process store. Each transaction
// records the version of every document it reads and validates them at commit;
// a stale read aborts the commit and the body is re-run.
type MemoryStore struct {
	mu        sync.RWMutex
	rides     map[string]models.Ride
	offers    map[offerKey]models.Offer
	drivers   map[string]models.Driver
	events    map[string][]models.TimelineEvent
	processed map[string]struct{}
	blocks    map[blockKey]models.BlockEntry

	maxRuns int
}

type offerKey struct{ rideID, driverID string }

type blockKey struct {
	driverID, customerID string
	initiator            models.BlockInitiator
}

type docKind uint8

const (
	kindRide docKind = iota
	kindOffer
	kindDriver
	kindProcessed
)

type docKey struct {
	kind docKind
	id   string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:     make(map[string]models.Ride),
		offers:    make(map[offerKey]models.Offer),
		drivers:   make(map[string]models.Driver),
		events:    make(map[string][]models.TimelineEvent),
		processed: make(map[string]struct{}),
		blocks:    make(map[blockKey]models.BlockEntry),
		maxRuns:   64,
	}
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for run := 0; run < m.maxRuns; run++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := m.begin()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if m.commit(tx) {
			return nil
		}
		runtime.Gosched()
	}
	return fmt.Errorf("memory store: commit: %w: %w", models.ErrConflict, ErrTransient)
}

func (m *MemoryStore) begin() *memTx {
	return &memTx{
		s:         m,
		reads:     make(map[docKey]int64),
		rides:     make(map[string]models.Ride),
		offers:    make(map[offerKey]models.Offer),
		drivers:   make(map[string]models.Driver),
		processed: make(map[string]struct{}),
	}
}

// version returns the committed version of a document, 0 when absent.
// Caller holds m.mu.
func (m *MemoryStore) version(k docKey) int64 {
	switch k.kind {
	case kindRide:
		return m.rides[k.id].Version
	case kindOffer:
		rideID, driverID := splitOfferID(k.id)
		return m.offers[offerKey{rideID, driverID}].Version
	case kindDriver:
		return m.drivers[k.id].Version
	case kindProcessed:
		if _, ok := m.processed[k.id]; ok {
			return 1
		}
	}
	return 0
}

func (m *MemoryStore) commit(tx *memTx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range tx.reads {
		if m.version(k) != v {
			return false
		}
	}
	for id, r := range tx.rides {
		r.Version = m.rides[id].Version + 1
		m.rides[id] = r
	}
	for k, o := range tx.offers {
		o.Version = m.offers[k].Version + 1
		m.offers[k] = o
	}
	for id, d := range tx.drivers {
		d.Version = m.drivers[id].Version + 1
		m.drivers[id] = d
	}
	for _, ev := range tx.events {
		m.events[ev.RideID] = append(m.events[ev.RideID], ev)
	}
	for id := range tx.processed {
		m.processed[id] = struct{}{}
	}
	return true
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) ListRidesByStatus(ctx context.Context, statuses ...models.RideStatus) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if slices.Contains(statuses, r.Status) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListOffersByRide(ctx context.Context, rideID string) ([]models.Offer, error) {
	return m.listOffers(func(o models.Offer) bool { return o.RideID == rideID }), nil
}

func (m *MemoryStore) ListOffersByDriver(ctx context.Context, driverID string) ([]models.Offer, error) {
	return m.listOffers(func(o models.Offer) bool { return o.DriverID == driverID }), nil
}

func (m *MemoryStore) ListPendingOffers(ctx context.Context) ([]models.Offer, error) {
	return m.listOffers(func(o models.Offer) bool { return o.Status == models.OfferPending }), nil
}

func (m *MemoryStore) listOffers(keep func(models.Offer) bool) []models.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if keep(o) {
			out = append(out, o)
		}
	}
	sortOffers(out)
	return out
}

func (m *MemoryStore) ListOnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.Online {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Timeline(ctx context.Context, rideID string) ([]models.TimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[rideID]), nil
}

func (m *MemoryStore) PutBlock(ctx context.Context, b models.BlockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[blockKey{b.DriverID, b.CustomerID, b.Initiator}] = b
	return nil
}

func (m *MemoryStore) DeleteBlock(ctx context.Context, driverID, customerID string, initiator models.BlockInitiator) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := blockKey{driverID, customerID, initiator}
	if _, ok := m.blocks[k]; !ok {
		return false, nil
	}
	delete(m.blocks, k)
	return true, nil
}

func (m *MemoryStore) ListBlocksByCustomer(ctx context.Context, customerID string) ([]models.BlockEntry, error) {
	return m.listBlocks(func(b models.BlockEntry) bool { return b.CustomerID == customerID }), nil
}

func (m *MemoryStore) ListBlocksByDriver(ctx context.Context, driverID string) ([]models.BlockEntry, error) {
	return m.listBlocks(func(b models.BlockEntry) bool { return b.DriverID == driverID }), nil
}

func (m *MemoryStore) listBlocks(keep func(models.BlockEntry) bool) []models.BlockEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BlockEntry
	for _, b := range m.blocks {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DriverID != out[j].DriverID {
			return out[i].DriverID < out[j].DriverID
		}
		if out[i].CustomerID != out[j].CustomerID {
			return out[i].CustomerID < out[j].CustomerID
		}
		return out[i].Initiator < out[j].Initiator
	})
	return out
}

type memTx struct {
	s         *MemoryStore
	reads     map[docKey]int64
	rides     map[string]models.Ride
	offers    map[offerKey]models.Offer
	drivers   map[string]models.Driver
	events    []models.TimelineEvent
	processed map[string]struct{}
}

// observe records the first version seen for k.
func (t *memTx) observe(k docKey, v int64) {
	if _, ok := t.reads[k]; !ok {
		t.reads[k] = v
	}
}

func (t *memTx) Ride(ctx context.Context, id string) (models.Ride, error) {
	if r, ok := t.rides[id]; ok {
		return r.Clone(), nil
	}
	t.s.mu.RLock()
	r, ok := t.s.rides[id]
	t.s.mu.RUnlock()
	t.observe(docKey{kindRide, id}, r.Version)
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (t *memTx) PutRide(ctx context.Context, r models.Ride) error {
	t.observe(docKey{kindRide, r.ID}, r.Version)
	t.rides[r.ID] = r.Clone()
	return nil
}

func (t *memTx) Offer(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	k := offerKey{rideID, driverID}
	if o, ok := t.offers[k]; ok {
		return o, nil
	}
	t.s.mu.RLock()
	o, ok := t.s.offers[k]
	t.s.mu.RUnlock()
	t.observe(docKey{kindOffer, offerID(rideID, driverID)}, o.Version)
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %s/%s: %w", rideID, driverID, models.ErrNotFound)
	}
	return o, nil
}

func (t *memTx) Offers(ctx context.Context, rideID string) ([]models.Offer, error) {
	merged := make(map[string]models.Offer)
	t.s.mu.RLock()
	for k, o := range t.s.offers {
		if k.rideID == rideID {
			merged[k.driverID] = o
		}
	}
	t.s.mu.RUnlock()
	for driverID, o := range merged {
		t.observe(docKey{kindOffer, offerID(rideID, driverID)}, o.Version)
	}
	for k, o := range t.offers {
		if k.rideID == rideID {
			merged[k.driverID] = o
		}
	}
	out := make([]models.Offer, 0, len(merged))
	for _, o := range merged {
		out = append(out, o)
	}
	sortOffers(out)
	return out, nil
}

func (t *memTx) PutOffer(ctx context.Context, o models.Offer) error {
	t.observe(docKey{kindOffer, offerID(o.RideID, o.DriverID)}, o.Version)
	t.offers[offerKey{o.RideID, o.DriverID}] = o
	return nil
}

func (t *memTx) Driver(ctx context.Context, id string) (models.Driver, error) {
	if d, ok := t.drivers[id]; ok {
		return d, nil
	}
	t.s.mu.RLock()
	d, ok := t.s.drivers[id]
	t.s.mu.RUnlock()
	t.observe(docKey{kindDriver, id}, d.Version)
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	return d, nil
}

func (t *memTx) PutDriver(ctx context.Context, d models.Driver) error {
	t.observe(docKey{kindDriver, d.ID}, d.Version)
	t.drivers[d.ID] = d
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev models.TimelineEvent) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if _, ok := t.processed[eventID]; ok {
		return false, nil
	}
	t.s.mu.RLock()
	_, seen := t.s.processed[eventID]
	t.s.mu.RUnlock()
	if seen {
		t.observe(docKey{kindProcessed, eventID}, 1)
		return false, nil
	}
	t.observe(docKey{kindProcessed, eventID}, 0)
	t.processed[eventID] = struct{}{}
	return true, nil
}

func sortOffers(out []models.Offer) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QuotedAt.Equal(out[j].QuotedAt) {
			return out[i].QuotedAt.Before(out[j].QuotedAt)
		}
		if out[i].RideID != out[j].RideID {
			return out[i].RideID < out[j].RideID
		}
		return out[i].DriverID < out[j].DriverID
	})
}

func offerID(rideID, driverID string) string { return rideID + "\x00" + driverID }

func splitOfferID(id string) (string, string) {
	for i := 0; i < len(id); i++ {
		if id[i] == 0 {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}
