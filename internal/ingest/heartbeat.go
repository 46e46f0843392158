package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// HeartbeatMessage is one driver location report on the heartbeat topic.
type HeartbeatMessage struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	SentAt   time.Time `json:"sent_at"`
}

func (h HeartbeatMessage) Location() models.Coord { return models.Coord{Lat: h.Lat, Lon: h.Lon} }

// DecodeHeartbeat parses and validates a heartbeat payload.
func DecodeHeartbeat(b []byte) (HeartbeatMessage, error) {
	var hb HeartbeatMessage
	if err := json.Unmarshal(b, &hb); err != nil {
		return HeartbeatMessage{}, fmt.Errorf("decode heartbeat: %v: %w", err, models.ErrInvalidArgument)
	}
	if hb.DriverID == "" {
		return HeartbeatMessage{}, fmt.Errorf("heartbeat without driver_id: %w", models.ErrInvalidArgument)
	}
	return hb, nil
}
