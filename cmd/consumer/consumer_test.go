package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeApplier fails the first `fail` calls with err.
type fakeApplier struct {
	fail  int
	err   error
	calls int
	last  models.Coord
}

func (f *fakeApplier) Heartbeat(_ context.Context, driverID string, loc models.Coord) (models.Driver, error) {
	f.calls++
	if f.calls <= f.fail {
		return models.Driver{}, f.err
	}
	f.last = loc
	return models.Driver{ID: driverID, Location: loc}, nil
}

var hb = ingest.HeartbeatMessage{DriverID: "d1", Lat: 1, Lon: 2}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 2, err: errors.New("connection reset")}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, hb, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, f.last)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5, err: fmt.Errorf("commit: %w", models.ErrConflict)}
	err := applyWithRetry(context.Background(), f, hb, 3, time.Millisecond)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetry_BusinessErrorsAreNotRetried(t *testing.T) {
	f := &fakeApplier{fail: 5, err: fmt.Errorf("driver d1: %w", models.ErrNotFound)}
	err := applyWithRetry(context.Background(), f, hb, 3, time.Millisecond)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 1, f.calls)
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeApplier{fail: 5, err: errors.New("down")}
	err := applyWithRetry(ctx, f, hb, 3, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

type scriptedReader struct {
	msgs   [][]byte
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return kafka.Message{Value: m}, nil
}

func TestConsumeSkipsMalformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{cancel: cancel, msgs: [][]byte{
		[]byte(`not json`),
		[]byte(`{"lat":1,"lon":1}`),
		[]byte(`{"driver_id":"d1","lat":3,"lon":4}`),
	}}
	f := &fakeApplier{}
	consume(ctx, r, f, slog.Default())
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, models.Coord{Lat: 3, Lon: 4}, f.last)
}
