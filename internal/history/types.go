package history

import (
	"context"
	"time"
)

// Event kinds recorded over a group call's lifetime.
const (
	KindCreated       = "created"
	KindEntered       = "entered"
	KindLeft          = "left"
	KindTerminated    = "terminated"
	KindPeerPlaced    = "peer_placed"
	KindPeerAnswered  = "peer_answered"
	KindPeerConnected = "peer_connected"
	KindPeerEnded     = "peer_ended"
	KindPeerReplaced  = "peer_replaced"
)

// Event is one row of the call-history log.
type Event struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	GroupCallID string    `json:"group_call_id"`
	UserID      string    `json:"user_id,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves call-history events.
type Store interface {
	Append(ctx context.Context, ev Event) error
	Recent(ctx context.Context, roomID, groupCallID string, limit int) ([]Event, error)
	Close() error
}
