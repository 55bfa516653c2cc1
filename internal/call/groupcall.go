package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/feed"
	"github.com/huddlekit/huddle/internal/history"
	"github.com/huddlekit/huddle/internal/membership"
	"github.com/huddlekit/huddle/internal/observability"
	"github.com/huddlekit/huddle/internal/policy"
	"github.com/huddlekit/huddle/internal/protocol"
)

// Type is the media profile of a group call.
type Type string

const (
	TypeVideo Type = "video"
	TypeVoice Type = "voice"
)

// Intent describes how opponents should be notified of the call.
type Intent string

const (
	IntentPrompt Intent = "prompt"
	IntentRing   Intent = "ring"
	IntentDirect Intent = "direct"
)

// Membership records published on enter stay live this long; the janitor
// re-evaluates so expiry takes effect without fresh state traffic.
const defaultMembershipTTL = time.Hour

// Params identifies and configures one group call aggregate.
type Params struct {
	RoomID        string
	GroupCallID   string
	LocalUserID   string
	LocalDeviceID string
	CallType      Type
	Intent        Intent
	PushToTalk    bool
}

type peerKey struct {
	userID   string
	deviceID string
}

// GroupCall owns one call instance: the local feed, the peer-session map and
// the membership table. One mutex serializes every handler and public
// operation, so the maps have a single logical writer; transport IO happens
// outside the lock and decisions are re-derived from current map state, never
// from state captured before a suspension point.
type GroupCall struct {
	mu         sync.Mutex
	params     Params
	created    bool
	entered    bool
	terminated bool
	micMuted   bool
	videoMuted bool
	localFeed  *feed.Feed
	table      *membership.Table
	peers      map[peerKey]*PeerSession

	devices   MediaDevices
	transport PeerTransport
	roomState RoomState
	metrics   *observability.Metrics
	hist      history.Store
	log       zerolog.Logger

	membershipTTL time.Duration
	now           func() time.Time
}

func New(
	p Params,
	devices MediaDevices,
	transport PeerTransport,
	roomState RoomState,
	metrics *observability.Metrics,
	hist history.Store,
	logger zerolog.Logger,
) *GroupCall {
	return &GroupCall{
		params:        p,
		micMuted:      p.PushToTalk,
		table:         membership.NewTable(p.GroupCallID, p.LocalUserID, p.LocalDeviceID),
		peers:         make(map[peerKey]*PeerSession),
		devices:       devices,
		transport:     transport,
		roomState:     roomState,
		metrics:       metrics,
		hist:          hist,
		log:           logger.With().Str("room_id", p.RoomID).Str("group_call_id", p.GroupCallID).Logger(),
		membershipTTL: defaultMembershipTTL,
		now:           time.Now,
	}
}

func (c *GroupCall) RoomID() string      { return c.params.RoomID }
func (c *GroupCall) GroupCallID() string { return c.params.GroupCallID }
func (c *GroupCall) CallType() Type      { return c.params.CallType }
func (c *GroupCall) Intent() Intent      { return c.params.Intent }
func (c *GroupCall) PushToTalk() bool    { return c.params.PushToTalk }

func (c *GroupCall) Entered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered
}

func (c *GroupCall) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Create publishes the room-level call descriptor. Idempotent: a call that
// was already created is a no-op, and callers may retry a failed publish
// safely since created is only recorded on success.
func (c *GroupCall) Create(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	if c.created {
		c.mu.Unlock()
		return nil
	}
	content := protocol.DescriptorContent{
		CallType:   string(c.params.CallType),
		Intent:     string(c.params.Intent),
		PushToTalk: c.params.PushToTalk,
	}
	c.mu.Unlock()

	if err := c.roomState.PublishStateRecord(ctx, c.params.RoomID, protocol.RecordTypeCallDescriptor, content, c.params.GroupCallID); err != nil {
		return fmt.Errorf("publish call descriptor: %w", err)
	}
	c.metrics.RecordsPublished.WithLabelValues(protocol.RecordTypeCallDescriptor).Inc()

	c.mu.Lock()
	c.created = true
	c.mu.Unlock()

	c.appendHistory(ctx, history.KindCreated, c.params.LocalUserID, c.params.LocalDeviceID, "")
	return nil
}

// Enter acquires local media, publishes the local membership record and
// places calls to live members per the placement policy. A failure at any
// step leaves no partial state behind.
func (c *GroupCall) Enter(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	if c.entered {
		c.mu.Unlock()
		return nil
	}
	wantVideo := c.params.CallType == TypeVideo
	micMuted, videoMuted := c.micMuted, c.videoMuted
	c.mu.Unlock()

	stream, err := c.devices.AcquireUserMedia(ctx, true, wantVideo)
	if err != nil {
		return fmt.Errorf("acquire user media: %w", err)
	}

	f := feed.New(c.params.LocalUserID, feed.PurposeUsermedia, stream)
	f.SetMuted(micMuted, videoMuted)
	f.ApplyTrackState()

	if err := c.publishMembership(ctx, true); err != nil {
		c.devices.StopStream(stream)
		return err
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		c.devices.StopStream(stream)
		return ErrTerminated
	}
	// Another Enter may have won the race while we were suspended; its feed
	// stays, ours is released.
	if c.entered {
		c.mu.Unlock()
		c.devices.StopStream(stream)
		return nil
	}
	c.localFeed = f
	c.entered = true
	place, drop := c.syncPeersLocked(ctx)
	c.mu.Unlock()

	c.metrics.ActiveGroupCalls.Inc()
	c.appendHistory(ctx, history.KindEntered, c.params.LocalUserID, c.params.LocalDeviceID, "")
	c.runPeerPlan(ctx, place, drop)
	return nil
}

// Leave retracts the local membership record and tears down every peer
// session and the local media. The aggregate stays reusable for a later
// Enter. The retraction is published first: if it fails the whole leave
// fails with local state untouched, so the caller may retry.
func (c *GroupCall) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	if !c.entered {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.publishMembership(ctx, false); err != nil {
		return err
	}

	c.teardown(ctx, "user_left")
	c.appendHistory(ctx, history.KindLeft, c.params.LocalUserID, c.params.LocalDeviceID, "")
	return nil
}

// Terminate performs a best-effort leave and then retires the aggregate for
// good. Unlike Leave, teardown proceeds even when the retraction publish
// fails; destruction wins over state-consistency here.
func (c *GroupCall) Terminate(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	entered := c.entered
	c.mu.Unlock()

	var err error
	if entered {
		err = c.publishMembership(ctx, false)
		c.teardown(ctx, "terminated")
	}

	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()

	c.appendHistory(ctx, history.KindTerminated, c.params.LocalUserID, c.params.LocalDeviceID, "")
	return err
}

// HandleStateRecord ingests one room-state update. Records for other rooms
// or record types are not ours to interpret. The resulting member set is a
// total replacement diffed against the current peer map.
func (c *GroupCall) HandleStateRecord(ctx context.Context, rec protocol.StateRecord) {
	c.mu.Lock()
	if c.terminated || rec.RoomID != c.params.RoomID || rec.RecordType != protocol.RecordTypeCallMember {
		c.mu.Unlock()
		return
	}
	c.table.Upsert(rec)
	if !c.entered {
		c.mu.Unlock()
		return
	}
	place, drop := c.syncPeersLocked(ctx)
	c.mu.Unlock()

	c.runPeerPlan(ctx, place, drop)
}

// RefreshMembership re-evaluates the member set against the expiry clock.
// Called by the manager's janitor so expired records drop members even when
// no new state records arrive.
func (c *GroupCall) RefreshMembership(ctx context.Context) {
	c.mu.Lock()
	if c.terminated || !c.entered {
		c.mu.Unlock()
		return
	}
	place, drop := c.syncPeersLocked(ctx)
	c.mu.Unlock()

	c.runPeerPlan(ctx, place, drop)
}

// HandleIncomingOffer admits, rejects or ignores one inbound call offer.
// Admission is authoritative over locally-initiated placement: an admitted
// session claims the map slot and any later placement for that device is a
// no-op.
func (c *GroupCall) HandleIncomingOffer(ctx context.Context, offer Offer) error {
	c.mu.Lock()
	existing := c.sessionForUserLocked(offer.OpponentUserID)
	st := admissionState{
		roomID:      c.params.RoomID,
		groupCallID: c.params.GroupCallID,
		entered:     c.entered && !c.terminated,
		hasExisting: existing != nil,
	}
	if existing != nil {
		st.existingCallID = existing.CallID()
	}
	verdict, reason := admit(st, offer)

	var installed *PeerSession
	switch verdict {
	case VerdictReplace:
		delete(c.peers, peerKey{existing.OpponentUserID(), existing.OpponentDeviceID()})
		fallthrough
	case VerdictAnswer:
		installed = newPeerSession(offer.OpponentUserID, offer.OpponentDeviceID, offer.CallID, offer.Handle, c.localFeed)
		installed.setState(PeerRinging)
		c.peers[peerKey{offer.OpponentUserID, offer.OpponentDeviceID}] = installed
	}
	c.mu.Unlock()

	c.metrics.OfferDecisions.WithLabelValues(verdict.String(), reason).Inc()
	log := c.log.With().
		Str("opponent_user_id", offer.OpponentUserID).
		Str("opponent_device_id", offer.OpponentDeviceID).
		Str("call_id", offer.CallID).
		Str("reason", reason).
		Logger()

	switch verdict {
	case VerdictIgnore:
		log.Debug().Msg("ignoring call offer")
		_ = offer.Handle.Close()
		return nil

	case VerdictReject:
		log.Info().Msg("rejecting call offer")
		err := offer.Handle.Reject(ctx)
		_ = offer.Handle.Close()
		if err != nil {
			return fmt.Errorf("reject offer: %w", err)
		}
		return nil

	case VerdictReplace:
		log.Info().Str("replaced_call_id", existing.CallID()).Msg("replacing peer session, newest offer wins")
		c.metrics.ActivePeerSessions.Dec()
		if err := existing.hangup(ctx, "replaced"); err != nil {
			log.Warn().Err(err).Msg("hangup of replaced session failed")
		}
		c.appendHistory(ctx, history.KindPeerReplaced, existing.OpponentUserID(), existing.OpponentDeviceID(), existing.CallID())
		fallthrough

	default: // VerdictAnswer
		installed.applyRemoteMetadata(offer.Metadata)
		go c.watchPeer(installed)
		c.metrics.ActivePeerSessions.Inc()
		if err := installed.answer(ctx); err != nil {
			c.removePeer(installed)
			return fmt.Errorf("answer offer: %w", err)
		}
		log.Info().Msg("answered call offer")
		c.appendHistory(ctx, history.KindPeerAnswered, offer.OpponentUserID, offer.OpponentDeviceID, offer.CallID)
		return nil
	}
}

// PeerSessions returns the active sessions ordered by opponent identity.
func (c *GroupCall) PeerSessions() []*PeerSession {
	c.mu.Lock()
	out := make([]*PeerSession, 0, len(c.peers))
	for _, ps := range c.peers {
		out = append(out, ps)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpponentUserID() != out[j].OpponentUserID() {
			return out[i].OpponentUserID() < out[j].OpponentUserID()
		}
		return out[i].OpponentDeviceID() < out[j].OpponentDeviceID()
	})
	return out
}

// LocalFeed returns the local usermedia feed, nil until entered.
func (c *GroupCall) LocalFeed() *feed.Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localFeed
}

// UserMediaFeedByUserID resolves the usermedia feed of any participant,
// local or remote.
func (c *GroupCall) UserMediaFeedByUserID(userID string) *feed.Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID == c.params.LocalUserID {
		return c.localFeed
	}
	for _, ps := range c.peers {
		if ps.OpponentUserID() != userID {
			continue
		}
		if f := ps.RemoteFeed(feed.PurposeUsermedia); f != nil {
			return f
		}
	}
	return nil
}

func (c *GroupCall) sessionForUserLocked(userID string) *PeerSession {
	for _, ps := range c.peers {
		if ps.OpponentUserID() == userID {
			return ps
		}
	}
	return nil
}

// syncPeersLocked diffs the live member set against the peer map and mutates
// the map: stale sessions are removed and new outbound sessions installed
// where the placement policy says we dial. The returned sessions still need
// their transport IO run outside the lock.
func (c *GroupCall) syncPeersLocked(ctx context.Context) (place, drop []*PeerSession) {
	members := c.table.Members()
	c.metrics.MembershipSyncs.Inc()

	desired := make(map[peerKey]membership.Member, len(members))
	for _, m := range members {
		desired[peerKey{m.UserID, m.DeviceID}] = m
	}

	for k, ps := range c.peers {
		if _, ok := desired[k]; !ok {
			delete(c.peers, k)
			drop = append(drop, ps)
		}
	}

	for _, m := range members {
		k := peerKey{m.UserID, m.DeviceID}
		if _, ok := c.peers[k]; ok {
			continue
		}
		if !policy.ShouldInitiate(c.params.LocalUserID, m.UserID) {
			c.log.Debug().Str("opponent_user_id", m.UserID).Str("opponent_device_id", m.DeviceID).Msg("awaiting invite from peer")
			continue
		}
		callID := uuid.NewString()
		handle, err := c.transport.CreateSession(ctx, c.params.RoomID, c.params.GroupCallID, m.UserID, m.DeviceID, callID)
		if err != nil {
			c.log.Error().Err(err).Str("opponent_user_id", m.UserID).Msg("create peer session failed")
			continue
		}
		ps := newPeerSession(m.UserID, m.DeviceID, callID, handle, c.localFeed)
		c.peers[k] = ps
		place = append(place, ps)
	}
	return place, drop
}

// runPeerPlan performs the transport IO for a peer-map diff.
func (c *GroupCall) runPeerPlan(ctx context.Context, place, drop []*PeerSession) {
	for _, ps := range drop {
		c.metrics.ActivePeerSessions.Dec()
		if err := ps.hangup(ctx, "member_left"); err != nil {
			c.log.Warn().Err(err).Str("opponent_user_id", ps.OpponentUserID()).Msg("hangup failed")
		}
		c.appendHistory(ctx, history.KindPeerEnded, ps.OpponentUserID(), ps.OpponentDeviceID(), "member_left")
	}
	for _, ps := range place {
		go c.watchPeer(ps)
		c.metrics.ActivePeerSessions.Inc()
		if err := ps.invite(ctx); err != nil {
			c.log.Warn().Err(err).Str("opponent_user_id", ps.OpponentUserID()).Msg("invite failed")
			c.removePeer(ps)
			continue
		}
		c.log.Info().Str("opponent_user_id", ps.OpponentUserID()).Str("opponent_device_id", ps.OpponentDeviceID()).Msg("placed call")
		c.appendHistory(ctx, history.KindPeerPlaced, ps.OpponentUserID(), ps.OpponentDeviceID(), ps.CallID())
	}
}

// watchPeer consumes one session's transport events until its channel
// closes. Events mutate session state only; map removal goes through
// removePeer which tolerates the session already being gone.
func (c *GroupCall) watchPeer(ps *PeerSession) {
	ctx := context.Background()
	started := time.Now()
	for ev := range ps.handle.Events() {
		c.metrics.PeerEvents.WithLabelValues(string(ev.Type)).Inc()
		switch ev.Type {
		case PeerEventAnswered:
			ps.applyRemoteMetadata(ev.Metadata)
			ps.setState(PeerConnected)
			c.metrics.ObserveAnswerLatency(time.Since(started))
			c.appendHistory(ctx, history.KindPeerConnected, ps.OpponentUserID(), ps.OpponentDeviceID(), ps.CallID())
		case PeerEventHangup:
			ps.end()
			c.removePeer(ps)
			c.appendHistory(ctx, history.KindPeerEnded, ps.OpponentUserID(), ps.OpponentDeviceID(), ev.Reason)
		case PeerEventMetadata:
			ps.applyRemoteMetadata(ev.Metadata)
		case PeerEventRemoteStream:
			ps.addRemoteStream(ev.Stream)
		}
	}
}

// removePeer deletes the session from the map if it still owns its slot.
// A replacement may already have claimed the slot; that session stays.
func (c *GroupCall) removePeer(ps *PeerSession) {
	k := peerKey{ps.OpponentUserID(), ps.OpponentDeviceID()}
	c.mu.Lock()
	cur, ok := c.peers[k]
	if ok && cur == ps {
		delete(c.peers, k)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.metrics.ActivePeerSessions.Dec()
	}
}

func (c *GroupCall) publishMembership(ctx context.Context, joined bool) error {
	content := protocol.MemberContent{ExpiresTS: c.now().Add(c.membershipTTL).UnixMilli()}
	if joined {
		content.Calls = []protocol.MemberCall{{
			CallID:  c.params.GroupCallID,
			Devices: []protocol.MemberDevice{{DeviceID: c.params.LocalDeviceID}},
		}}
	}
	if err := c.roomState.PublishStateRecord(ctx, c.params.RoomID, protocol.RecordTypeCallMember, content, c.params.LocalUserID); err != nil {
		return fmt.Errorf("publish membership record: %w", err)
	}
	c.metrics.RecordsPublished.WithLabelValues(protocol.RecordTypeCallMember).Inc()
	return nil
}

// teardown hangs up every session and releases local media. Safe to invoke
// while placement or answering is in flight: in-flight sessions end and
// vanish from the map like any other.
func (c *GroupCall) teardown(ctx context.Context, reason string) {
	c.mu.Lock()
	if !c.entered {
		c.mu.Unlock()
		return
	}
	peers := make([]*PeerSession, 0, len(c.peers))
	for _, ps := range c.peers {
		peers = append(peers, ps)
	}
	c.peers = make(map[peerKey]*PeerSession)
	f := c.localFeed
	c.localFeed = nil
	c.entered = false
	c.mu.Unlock()

	for _, ps := range peers {
		c.metrics.ActivePeerSessions.Dec()
		if err := ps.hangup(ctx, reason); err != nil {
			c.log.Warn().Err(err).Str("opponent_user_id", ps.OpponentUserID()).Msg("hangup failed")
		}
	}
	if f != nil {
		if s := f.Stream(); s != nil {
			c.devices.StopStream(s)
		}
	}
	c.metrics.ActiveGroupCalls.Dec()
}

func (c *GroupCall) appendHistory(ctx context.Context, kind, userID, deviceID, detail string) {
	ev := history.Event{
		RoomID:      c.params.RoomID,
		GroupCallID: c.params.GroupCallID,
		UserID:      userID,
		DeviceID:    deviceID,
		Kind:        kind,
		Detail:      detail,
	}
	if err := c.hist.Append(ctx, ev); err != nil {
		c.log.Warn().Err(err).Str("kind", kind).Msg("append call history failed")
	}
}
