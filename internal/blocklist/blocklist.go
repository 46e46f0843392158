// Package blocklist keeps driver and customer exclusions. A block in either
// direction keeps the pair apart during candidate selection.
package blocklist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type List struct {
	store storage.Store
	now   func() time.Time
}

func New(store storage.Store, now func() time.Time) *List {
	if now == nil {
		now = time.Now
	}
	return &List{store: store, now: now}
}

// Block records that initiator's side blocked the other. Repeating a block
// only refreshes its reason.
func (l *List) Block(ctx context.Context, driverID, customerID string, initiator models.BlockInitiator, reason string) (models.BlockEntry, error) {
	driverID, customerID = strings.TrimSpace(driverID), strings.TrimSpace(customerID)
	if driverID == "" || customerID == "" {
		return models.BlockEntry{}, fmt.Errorf("block needs driver and customer: %w", models.ErrInvalidArgument)
	}
	if initiator != models.BlockedByDriver && initiator != models.BlockedByCustomer {
		return models.BlockEntry{}, fmt.Errorf("unknown block initiator %q: %w", initiator, models.ErrInvalidArgument)
	}
	e := models.BlockEntry{
		DriverID:   driverID,
		CustomerID: customerID,
		Initiator:  initiator,
		Reason:     reason,
		CreatedAt:  l.now(),
	}
	if err := l.store.PutBlock(ctx, e); err != nil {
		return models.BlockEntry{}, err
	}
	return e, nil
}

// Unblock removes only the entry owned by initiator.
func (l *List) Unblock(ctx context.Context, driverID, customerID string, initiator models.BlockInitiator) error {
	removed, err := l.store.DeleteBlock(ctx, driverID, customerID, initiator)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("block %s/%s: %w", driverID, customerID, models.ErrNotFound)
	}
	return nil
}

func (l *List) IsBlocked(ctx context.Context, driverID, customerID string) (bool, error) {
	entries, err := l.store.ListBlocksByCustomer(ctx, customerID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.DriverID == driverID {
			return true, nil
		}
	}
	return false, nil
}

// BlockedDrivers returns every driver that must not be paired with customerID.
func (l *List) BlockedDrivers(ctx context.Context, customerID string) (map[string]struct{}, error) {
	entries, err := l.store.ListBlocksByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.DriverID] = struct{}{}
	}
	return out, nil
}

// ByDriver lists the blocks a driver owns.
func (l *List) ByDriver(ctx context.Context, driverID string) ([]models.BlockEntry, error) {
	entries, err := l.store.ListBlocksByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Initiator == models.BlockedByDriver {
			out = append(out, e)
		}
	}
	return out, nil
}
