// Package storagetest records how transactions touch a storage.Store so tests
// can assert on lock ordering.
package storagetest

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Document kinds in the order a transaction must lock them.
const (
	KindRide   = "ride"
	KindOffer  = "offer"
	KindDriver = "driver"
)

var rank = map[string]int{KindRide: 0, KindOffer: 1, KindDriver: 2}

// Recorder wraps a Store and records the kind of every document read inside
// each transaction run, in read order.
type Recorder struct {
	storage.Store

	mu  sync.Mutex
	txs [][]string
}

func NewRecorder(s storage.Store) *Recorder {
	return &Recorder{Store: s}
}

func (r *Recorder) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return r.Store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r.mu.Lock()
		r.txs = append(r.txs, nil)
		idx := len(r.txs) - 1
		r.mu.Unlock()
		return fn(ctx, &recordingTx{Tx: tx, r: r, idx: idx})
	})
}

// Transactions returns the read sequence of every transaction run so far.
func (r *Recorder) Transactions() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.txs))
	for i, t := range r.txs {
		out[i] = append([]string(nil), t...)
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = nil
}

func (r *Recorder) note(idx int, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[idx] = append(r.txs[idx], kind)
}

// LockOrdered reports whether kinds never steps back to an earlier kind in
// the ride, offer, driver order.
func LockOrdered(kinds []string) bool {
	for i := 1; i < len(kinds); i++ {
		if rank[kinds[i]] < rank[kinds[i-1]] {
			return false
		}
	}
	return true
}

type recordingTx struct {
	storage.Tx
	r   *Recorder
	idx int
}

func (t *recordingTx) Ride(ctx context.Context, id string) (models.Ride, error) {
	t.r.note(t.idx, KindRide)
	return t.Tx.Ride(ctx, id)
}

func (t *recordingTx) Offer(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	t.r.note(t.idx, KindOffer)
	return t.Tx.Offer(ctx, rideID, driverID)
}

func (t *recordingTx) Offers(ctx context.Context, rideID string) ([]models.Offer, error) {
	t.r.note(t.idx, KindOffer)
	return t.Tx.Offers(ctx, rideID)
}

func (t *recordingTx) Driver(ctx context.Context, id string) (models.Driver, error) {
	t.r.note(t.idx, KindDriver)
	return t.Tx.Driver(ctx, id)
}
