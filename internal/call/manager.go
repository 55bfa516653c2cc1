package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/history"
	"github.com/huddlekit/huddle/internal/observability"
	"github.com/huddlekit/huddle/internal/protocol"
)

var ErrParamsMismatch = errors.New("group call exists with different parameters")

// Identity names the local user and device on whose behalf the engine acts.
type Identity struct {
	UserID   string
	DeviceID string
}

// Manager owns every group-call aggregate of this device and routes room
// traffic to them. Aggregates are keyed by (roomID, groupCallID).
type Manager struct {
	mu    sync.RWMutex
	calls map[string]*GroupCall

	identity  Identity
	devices   MediaDevices
	transport PeerTransport
	roomState RoomState
	metrics   *observability.Metrics
	hist      history.Store
	log       zerolog.Logger
}

func NewManager(
	identity Identity,
	devices MediaDevices,
	transport PeerTransport,
	roomState RoomState,
	metrics *observability.Metrics,
	hist history.Store,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		calls:     make(map[string]*GroupCall),
		identity:  identity,
		devices:   devices,
		transport: transport,
		roomState: roomState,
		metrics:   metrics,
		hist:      hist,
		log:       logger,
	}
}

func callKey(roomID, groupCallID string) string {
	return roomID + "\x00" + groupCallID
}

// Create ensures an aggregate exists for (roomID, groupCallID) and publishes
// its descriptor. Re-creating with matching parameters is a no-op; with
// different parameters it fails.
func (m *Manager) Create(ctx context.Context, roomID, groupCallID string, callType Type, intent Intent, pushToTalk bool) (*GroupCall, error) {
	if groupCallID == "" {
		groupCallID = uuid.NewString()
	}

	m.mu.Lock()
	gc, ok := m.calls[callKey(roomID, groupCallID)]
	if ok {
		if gc.CallType() != callType || gc.Intent() != intent || gc.PushToTalk() != pushToTalk {
			m.mu.Unlock()
			return nil, ErrParamsMismatch
		}
	} else {
		gc = New(Params{
			RoomID:        roomID,
			GroupCallID:   groupCallID,
			LocalUserID:   m.identity.UserID,
			LocalDeviceID: m.identity.DeviceID,
			CallType:      callType,
			Intent:        intent,
			PushToTalk:    pushToTalk,
		}, m.devices, m.transport, m.roomState, m.metrics, m.hist, m.log)
		m.calls[callKey(roomID, groupCallID)] = gc
	}
	m.mu.Unlock()

	if err := gc.Create(ctx); err != nil {
		return nil, err
	}
	return gc, nil
}

func (m *Manager) Get(roomID, groupCallID string) (*GroupCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gc, ok := m.calls[callKey(roomID, groupCallID)]
	if !ok {
		return nil, ErrNotFound
	}
	return gc, nil
}

// Terminate destroys the aggregate and forgets it.
func (m *Manager) Terminate(ctx context.Context, roomID, groupCallID string) error {
	m.mu.Lock()
	gc, ok := m.calls[callKey(roomID, groupCallID)]
	delete(m.calls, callKey(roomID, groupCallID))
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return gc.Terminate(ctx)
}

// List returns all aggregates in stable order.
func (m *Manager) List() []*GroupCall {
	m.mu.RLock()
	keys := make([]string, 0, len(m.calls))
	for k := range m.calls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*GroupCall, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.calls[k])
	}
	m.mu.RUnlock()
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, gc := range m.calls {
		if gc.Entered() {
			count++
		}
	}
	return count
}

// DispatchStateRecord routes one state record to every aggregate in its
// room. Called synchronously from the room transport so records are handled
// in arrival order.
func (m *Manager) DispatchStateRecord(ctx context.Context, rec protocol.StateRecord) {
	for _, gc := range m.List() {
		if gc.RoomID() == rec.RoomID {
			gc.HandleStateRecord(ctx, rec)
		}
	}
}

// DispatchOffer routes an inbound offer to the aggregate it targets. An
// aggregate in the same room with a different group-call id still sees the
// offer so it can reject it; an offer for a room we hold no call in is
// dropped.
func (m *Manager) DispatchOffer(ctx context.Context, offer Offer) error {
	var fallback *GroupCall
	for _, gc := range m.List() {
		if gc.RoomID() != offer.RoomID {
			continue
		}
		if gc.GroupCallID() == offer.GroupCallID {
			return gc.HandleIncomingOffer(ctx, offer)
		}
		if fallback == nil {
			fallback = gc
		}
	}
	if fallback != nil {
		return fallback.HandleIncomingOffer(ctx, offer)
	}
	m.log.Debug().Str("room_id", offer.RoomID).Str("call_id", offer.CallID).Msg("dropping offer for unknown room")
	return nil
}

// StartJanitor periodically re-evaluates membership on every aggregate so
// expired records take effect without new state traffic.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, gc := range m.List() {
					gc.RefreshMembership(ctx)
				}
			}
		}
	}()
}
