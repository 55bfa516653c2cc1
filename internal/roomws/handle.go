package roomws

import (
	"context"
	"sync"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/feed"
	"github.com/huddlekit/huddle/internal/protocol"
)

// relayHandle is one signaling session relayed through the bridge socket
// without a local media engine. SDP fields pass through untouched.
type relayHandle struct {
	bridge           *Bridge
	roomID           string
	groupCallID      string
	callID           string
	opponentUserID   string
	opponentDeviceID string

	mu     sync.Mutex
	events chan call.PeerEvent
	closed bool
}

func newRelayHandle(b *Bridge, roomID, groupCallID, callID, opponentUserID, opponentDeviceID string) *relayHandle {
	return &relayHandle{
		bridge:           b,
		roomID:           roomID,
		groupCallID:      groupCallID,
		callID:           callID,
		opponentUserID:   opponentUserID,
		opponentDeviceID: opponentDeviceID,
		events:           make(chan call.PeerEvent, 16),
	}
}

// FeedMetadata renders the outbound metadata block for a set of local feeds.
func FeedMetadata(feeds []*feed.Feed) []protocol.FeedMetadata {
	out := make([]protocol.FeedMetadata, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, f.Metadata())
	}
	return out
}

func (h *relayHandle) Invite(_ context.Context, localFeeds []*feed.Feed) error {
	return h.bridge.Send(protocol.CallOffer{
		RoomID:         h.roomID,
		GroupCallID:    h.groupCallID,
		CallID:         h.callID,
		CallerUserID:   h.bridge.localUserID,
		CallerDeviceID: h.bridge.localDeviceID,
		Phase:          protocol.CallPhaseRinging,
		Metadata:       FeedMetadata(localFeeds),
	})
}

func (h *relayHandle) Answer(_ context.Context, localFeeds []*feed.Feed) error {
	return h.bridge.Send(protocol.CallAnswer{
		RoomID:   h.roomID,
		CallID:   h.callID,
		Metadata: FeedMetadata(localFeeds),
	})
}

func (h *relayHandle) Reject(_ context.Context) error {
	return h.bridge.Send(protocol.CallReject{
		RoomID: h.roomID,
		CallID: h.callID,
	})
}

func (h *relayHandle) Hangup(_ context.Context, reason string) error {
	return h.bridge.Send(protocol.CallHangup{
		RoomID: h.roomID,
		CallID: h.callID,
		Reason: reason,
	})
}

func (h *relayHandle) SendMetadata(_ context.Context, metadata []protocol.FeedMetadata) error {
	return h.bridge.Send(protocol.CallMetadataUpdate{
		RoomID:   h.roomID,
		CallID:   h.callID,
		Metadata: metadata,
	})
}

func (h *relayHandle) Events() <-chan call.PeerEvent { return h.events }

// DeliverCallMessage implements CallRoute, translating inbound signaling to
// peer events.
func (h *relayHandle) DeliverCallMessage(msg any) {
	switch m := msg.(type) {
	case protocol.CallAnswer:
		h.emit(call.PeerEvent{Type: call.PeerEventAnswered, Metadata: m.Metadata})
	case protocol.CallHangup:
		h.emit(call.PeerEvent{Type: call.PeerEventHangup, Reason: m.Reason})
	case protocol.CallReject:
		h.emit(call.PeerEvent{Type: call.PeerEventHangup, Reason: "rejected"})
	case protocol.CallMetadataUpdate:
		h.emit(call.PeerEvent{Type: call.PeerEventMetadata, Metadata: m.Metadata})
	}
}

// emit delivers an event without blocking the read loop. Events arriving
// after Close, or past a full buffer, are dropped.
func (h *relayHandle) emit(ev call.PeerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *relayHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.events)
	h.mu.Unlock()
	h.bridge.UnregisterCall(h.callID, h)
	return nil
}
