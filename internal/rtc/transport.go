package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/protocol"
	"github.com/huddlekit/huddle/internal/roomws"
)

// Signaler carries SDP and call control to the remote device. The room
// bridge satisfies it.
type Signaler interface {
	Send(msg any) error
	RegisterCall(callID string, r roomws.CallRoute)
	UnregisterCall(callID string, r roomws.CallRoute)
}

// Transport implements call.PeerTransport with one pion peer connection per
// session. Outbound sessions produce the offer SDP; inbound sessions consume
// it from the room offer.
type Transport struct {
	sig           Signaler
	localUserID   string
	localDeviceID string
	iceServers    []string
	log           zerolog.Logger
}

func NewTransport(sig Signaler, localUserID, localDeviceID string, iceServers []string, logger zerolog.Logger) *Transport {
	return &Transport{
		sig:           sig,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
		iceServers:    iceServers,
		log:           logger,
	}
}

func (t *Transport) webrtcConfig() webrtc.Configuration {
	if len(t.iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.iceServers}},
	}
}

// CreateSession implements call.PeerTransport for outbound placement.
func (t *Transport) CreateSession(_ context.Context, roomID, groupCallID, opponentUserID, opponentDeviceID, callID string) (call.PeerHandle, error) {
	s := t.newSession(roomID, groupCallID, callID, opponentUserID, opponentDeviceID, "")
	t.sig.RegisterCall(callID, s)
	return s, nil
}

// AcceptOffer mints the session for an inbound offer, keeping its SDP for
// the answer. Install via roomws.Bridge.SetSessionFactory.
func (t *Transport) AcceptOffer(m protocol.CallOffer) call.PeerHandle {
	s := t.newSession(m.RoomID, m.GroupCallID, m.CallID, m.CallerUserID, m.CallerDeviceID, m.SDP)
	t.sig.RegisterCall(m.CallID, s)
	return s
}

func (t *Transport) newSession(roomID, groupCallID, callID, opponentUserID, opponentDeviceID, remoteSDP string) *Session {
	return &Session{
		transport:        t,
		roomID:           roomID,
		groupCallID:      groupCallID,
		callID:           callID,
		opponentUserID:   opponentUserID,
		opponentDeviceID: opponentDeviceID,
		remoteOfferSDP:   remoteSDP,
		events:           make(chan call.PeerEvent, 16),
		remoteStreams:    make(map[string]*remoteStream),
		log: t.log.With().
			Str("call_id", callID).
			Str("opponent_user_id", opponentUserID).
			Logger(),
	}
}
