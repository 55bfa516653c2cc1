package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/huddlekit/huddle/internal/feed"
	"github.com/huddlekit/huddle/internal/protocol"
)

// In-memory fakes for the capability interfaces, used by tests and by the
// loopback mode of the service. They record every interaction so tests can
// assert on transport effects.

type MockTrack struct {
	mu      sync.Mutex
	kind    feed.TrackKind
	enabled bool
	stopped bool
}

func (t *MockTrack) Kind() feed.TrackKind { return t.kind }

func (t *MockTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *MockTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *MockTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *MockTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type MockStream struct {
	id     string
	tracks []feed.Track
}

var mockStreamSeq atomic.Int64

// NewMockStream builds a stream with one enabled track per requested kind.
func NewMockStream(audio, video bool) *MockStream {
	s := &MockStream{id: fmt.Sprintf("mock-stream-%d", mockStreamSeq.Add(1))}
	if audio {
		s.tracks = append(s.tracks, &MockTrack{kind: feed.TrackAudio, enabled: true})
	}
	if video {
		s.tracks = append(s.tracks, &MockTrack{kind: feed.TrackVideo, enabled: true})
	}
	return s
}

func (s *MockStream) ID() string { return s.id }

func (s *MockStream) Tracks() []feed.Track { return s.tracks }

// AudioTrack returns the first audio track, nil if none.
func (s *MockStream) AudioTrack() *MockTrack {
	for _, t := range s.tracks {
		if t.Kind() == feed.TrackAudio {
			return t.(*MockTrack)
		}
	}
	return nil
}

// VideoTrack returns the first video track, nil if none.
func (s *MockStream) VideoTrack() *MockTrack {
	for _, t := range s.tracks {
		if t.Kind() == feed.TrackVideo {
			return t.(*MockTrack)
		}
	}
	return nil
}

type MockDevices struct {
	mu          sync.Mutex
	acquired    []*MockStream
	stopped     []feed.Stream
	FailAcquire error
}

func NewMockDevices() *MockDevices { return &MockDevices{} }

func (d *MockDevices) AcquireUserMedia(_ context.Context, audio, video bool) (feed.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailAcquire != nil {
		return nil, d.FailAcquire
	}
	s := NewMockStream(audio, video)
	d.acquired = append(d.acquired, s)
	return s, nil
}

func (d *MockDevices) StopStream(s feed.Stream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
	d.mu.Lock()
	d.stopped = append(d.stopped, s)
	d.mu.Unlock()
}

func (d *MockDevices) Acquired() []*MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockStream(nil), d.acquired...)
}

func (d *MockDevices) StoppedStreams() []feed.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]feed.Stream(nil), d.stopped...)
}

type MockPeerHandle struct {
	mu               sync.Mutex
	OpponentUserID   string
	OpponentDeviceID string
	CallID           string
	events           chan PeerEvent
	invites          int
	answers          int
	rejects          int
	hangups          []string
	metadataSent     [][]protocol.FeedMetadata
	closed           bool

	FailInvite error
	FailAnswer error
	FailSend   error
}

func NewMockPeerHandle(userID, deviceID, callID string) *MockPeerHandle {
	return &MockPeerHandle{
		OpponentUserID:   userID,
		OpponentDeviceID: deviceID,
		CallID:           callID,
		events:           make(chan PeerEvent, 16),
	}
}

func (h *MockPeerHandle) Invite(_ context.Context, _ []*feed.Feed) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailInvite != nil {
		return h.FailInvite
	}
	h.invites++
	return nil
}

func (h *MockPeerHandle) Answer(_ context.Context, _ []*feed.Feed) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailAnswer != nil {
		return h.FailAnswer
	}
	h.answers++
	return nil
}

func (h *MockPeerHandle) Reject(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejects++
	return nil
}

func (h *MockPeerHandle) Hangup(_ context.Context, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hangups = append(h.hangups, reason)
	return nil
}

func (h *MockPeerHandle) SendMetadata(_ context.Context, metadata []protocol.FeedMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailSend != nil {
		return h.FailSend
	}
	h.metadataSent = append(h.metadataSent, metadata)
	return nil
}

func (h *MockPeerHandle) Events() <-chan PeerEvent { return h.events }

func (h *MockPeerHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

// Emit pushes one transport event, dropped silently after Close.
func (h *MockPeerHandle) Emit(ev PeerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

func (h *MockPeerHandle) Invites() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invites
}

func (h *MockPeerHandle) Answers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.answers
}

func (h *MockPeerHandle) Rejects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rejects
}

func (h *MockPeerHandle) Hangups() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.hangups...)
}

func (h *MockPeerHandle) MetadataSent() [][]protocol.FeedMetadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]protocol.FeedMetadata(nil), h.metadataSent...)
}

func (h *MockPeerHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type MockPeerTransport struct {
	mu         sync.Mutex
	sessions   []*MockPeerHandle
	FailCreate error
}

func NewMockPeerTransport() *MockPeerTransport { return &MockPeerTransport{} }

func (t *MockPeerTransport) CreateSession(_ context.Context, _, _, userID, deviceID, callID string) (PeerHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailCreate != nil {
		return nil, t.FailCreate
	}
	h := NewMockPeerHandle(userID, deviceID, callID)
	t.sessions = append(t.sessions, h)
	return h, nil
}

func (t *MockPeerTransport) Sessions() []*MockPeerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MockPeerHandle(nil), t.sessions...)
}

// SessionFor returns the most recent handle minted for a device, nil if none.
func (t *MockPeerTransport) SessionFor(userID, deviceID string) *MockPeerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sessions) - 1; i >= 0; i-- {
		h := t.sessions[i]
		if h.OpponentUserID == userID && h.OpponentDeviceID == deviceID {
			return h
		}
	}
	return nil
}

// PublishedRecord is one captured state-record publish.
type PublishedRecord struct {
	RoomID     string
	RecordType string
	StateKey   string
	Content    any
}

type MockRoomState struct {
	mu          sync.Mutex
	published   []PublishedRecord
	FailPublish error
}

func NewMockRoomState() *MockRoomState { return &MockRoomState{} }

func (r *MockRoomState) PublishStateRecord(_ context.Context, roomID, recordType string, content any, stateKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailPublish != nil {
		return r.FailPublish
	}
	r.published = append(r.published, PublishedRecord{RoomID: roomID, RecordType: recordType, StateKey: stateKey, Content: content})
	return nil
}

func (r *MockRoomState) Published() []PublishedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PublishedRecord(nil), r.published...)
}
