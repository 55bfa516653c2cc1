// Package call implements the group-call aggregate: lifecycle, peer-session
// placement and admission, membership reconciliation and mute propagation.
// Media, peer signaling and room state are consumed through the narrow
// interfaces below; real adapters live in internal/rtc and internal/roomws,
// in-memory fakes in mock.go.
package call

import (
	"context"
	"errors"

	"github.com/huddlekit/huddle/internal/feed"
	"github.com/huddlekit/huddle/internal/protocol"
)

var (
	ErrNotFound   = errors.New("group call not found")
	ErrNotEntered = errors.New("group call not entered")
	ErrTerminated = errors.New("group call terminated")
)

// MediaDevices acquires and releases local media streams.
type MediaDevices interface {
	AcquireUserMedia(ctx context.Context, audio, video bool) (feed.Stream, error)
	StopStream(s feed.Stream)
}

// PeerEventType enumerates events emitted by a peer session handle.
type PeerEventType string

const (
	PeerEventAnswered     PeerEventType = "answered"
	PeerEventHangup       PeerEventType = "hangup"
	PeerEventMetadata     PeerEventType = "metadata"
	PeerEventRemoteStream PeerEventType = "remote_stream"
)

// PeerEvent is one event from the peer transport. Metadata accompanies
// answered and metadata events; Stream accompanies remote_stream.
type PeerEvent struct {
	Type     PeerEventType
	Metadata []protocol.FeedMetadata
	Stream   feed.Stream
	Reason   string
}

// PeerHandle is one signaling session with a single remote device. The
// events channel is closed when the handle is closed; negotiation timeouts
// are the transport's concern.
type PeerHandle interface {
	Invite(ctx context.Context, localFeeds []*feed.Feed) error
	Answer(ctx context.Context, localFeeds []*feed.Feed) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context, reason string) error
	SendMetadata(ctx context.Context, metadata []protocol.FeedMetadata) error
	Events() <-chan PeerEvent
	Close() error
}

// PeerTransport mints peer session handles.
type PeerTransport interface {
	CreateSession(ctx context.Context, roomID, groupCallID, opponentUserID, opponentDeviceID, callID string) (PeerHandle, error)
}

// RoomState publishes room-state records. Subscription is push-based: the
// transport feeds records into Manager.DispatchStateRecord in arrival order.
type RoomState interface {
	PublishStateRecord(ctx context.Context, roomID, recordType string, content any, stateKey string) error
}

// Offer is an inbound call offer together with the handle to answer or
// reject it on.
type Offer struct {
	RoomID           string
	GroupCallID      string
	CallID           string
	OpponentUserID   string
	OpponentDeviceID string
	Phase            string
	Metadata         []protocol.FeedMetadata
	Handle           PeerHandle
}
