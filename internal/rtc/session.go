package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/feed"
	"github.com/huddlekit/huddle/internal/protocol"
	"github.com/huddlekit/huddle/internal/roomws"
)

var errAlreadyNegotiated = errors.New("peer connection already negotiated")

// Session is one pion peer connection bound to one call id. It implements
// call.PeerHandle toward the aggregate and roomws.CallRoute toward the
// bridge.
type Session struct {
	transport        *Transport
	roomID           string
	groupCallID      string
	callID           string
	opponentUserID   string
	opponentDeviceID string
	remoteOfferSDP   string
	log              zerolog.Logger

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	events        chan call.PeerEvent
	remoteStreams map[string]*remoteStream
	closed        bool
}

func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(s.transport.webrtcConfig())
	if err != nil {
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.log.Debug().Str("ice_state", st.String()).Msg("ICE state")
		if st == webrtc.ICEConnectionStateFailed {
			s.emit(call.PeerEvent{Type: call.PeerEventHangup, Reason: "ice_failed"})
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Debug().Str("peer_connection_state", st.String()).Msg("peer state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.addRemoteTrack(track)
	})
	return pc, nil
}

func (s *Session) attachFeeds(pc *webrtc.PeerConnection, feeds []*feed.Feed) error {
	for _, f := range feeds {
		stream := f.Stream()
		if stream == nil {
			continue
		}
		for _, t := range stream.Tracks() {
			src, ok := t.(interface {
				RTPTrack() *webrtc.TrackLocalStaticRTP
			})
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(src.RTPTrack())
			if err != nil {
				return fmt.Errorf("add local track: %w", err)
			}
			go drainRTCP(sender)
		}
	}
	return nil
}

// drainRTCP keeps the sender's feedback pipeline flowing.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// negotiateLocal produces the local description with ICE gathering complete,
// so the SDP can travel in a single room message without trickle.
func (s *Session) negotiateLocal(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	<-gathered
	return pc.LocalDescription().SDP, nil
}

func (s *Session) Invite(_ context.Context, localFeeds []*feed.Feed) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return roomws.ErrBridgeClosed
	}
	if s.pc != nil {
		s.mu.Unlock()
		return errAlreadyNegotiated
	}
	pc, err := s.newPeerConnection()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.pc = pc
	s.mu.Unlock()

	if err := s.attachFeeds(pc, localFeeds); err != nil {
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	sdp, err := s.negotiateLocal(pc, offer)
	if err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return s.transport.sig.Send(protocol.CallOffer{
		RoomID:         s.roomID,
		GroupCallID:    s.groupCallID,
		CallID:         s.callID,
		CallerUserID:   s.transport.localUserID,
		CallerDeviceID: s.transport.localDeviceID,
		Phase:          protocol.CallPhaseRinging,
		SDP:            sdp,
		Metadata:       roomws.FeedMetadata(localFeeds),
	})
}

func (s *Session) Answer(_ context.Context, localFeeds []*feed.Feed) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return roomws.ErrBridgeClosed
	}
	if s.pc != nil {
		s.mu.Unlock()
		return errAlreadyNegotiated
	}
	if s.remoteOfferSDP == "" {
		s.mu.Unlock()
		return errors.New("no remote offer to answer")
	}
	pc, err := s.newPeerConnection()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.pc = pc
	remoteSDP := s.remoteOfferSDP
	s.mu.Unlock()

	if err := s.attachFeeds(pc, localFeeds); err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	sdp, err := s.negotiateLocal(pc, answer)
	if err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return s.transport.sig.Send(protocol.CallAnswer{
		RoomID:   s.roomID,
		CallID:   s.callID,
		SDP:      sdp,
		Metadata: roomws.FeedMetadata(localFeeds),
	})
}

func (s *Session) Reject(_ context.Context) error {
	return s.transport.sig.Send(protocol.CallReject{
		RoomID: s.roomID,
		CallID: s.callID,
	})
}

func (s *Session) Hangup(_ context.Context, reason string) error {
	return s.transport.sig.Send(protocol.CallHangup{
		RoomID: s.roomID,
		CallID: s.callID,
		Reason: reason,
	})
}

func (s *Session) SendMetadata(_ context.Context, metadata []protocol.FeedMetadata) error {
	return s.transport.sig.Send(protocol.CallMetadataUpdate{
		RoomID:   s.roomID,
		CallID:   s.callID,
		Metadata: metadata,
	})
}

func (s *Session) Events() <-chan call.PeerEvent { return s.events }

// DeliverCallMessage implements roomws.CallRoute.
func (s *Session) DeliverCallMessage(msg any) {
	switch m := msg.(type) {
	case protocol.CallAnswer:
		s.mu.Lock()
		pc := s.pc
		s.mu.Unlock()
		if pc != nil && m.SDP != "" {
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  m.SDP,
			}); err != nil {
				s.log.Error().Err(err).Msg("apply remote answer failed")
				s.emit(call.PeerEvent{Type: call.PeerEventHangup, Reason: "negotiation_failed"})
				return
			}
		}
		s.emit(call.PeerEvent{Type: call.PeerEventAnswered, Metadata: m.Metadata})
	case protocol.CallHangup:
		s.emit(call.PeerEvent{Type: call.PeerEventHangup, Reason: m.Reason})
	case protocol.CallReject:
		s.emit(call.PeerEvent{Type: call.PeerEventHangup, Reason: "rejected"})
	case protocol.CallMetadataUpdate:
		s.emit(call.PeerEvent{Type: call.PeerEventMetadata, Metadata: m.Metadata})
	}
}

func (s *Session) addRemoteTrack(track *webrtc.TrackRemote) {
	s.log.Debug().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("remote track")

	rt := &remoteTrack{track: track}
	go rt.drain()

	s.mu.Lock()
	stream, known := s.remoteStreams[track.StreamID()]
	if !known {
		stream = &remoteStream{id: track.StreamID()}
		s.remoteStreams[track.StreamID()] = stream
	}
	stream.add(rt)
	s.mu.Unlock()

	if !known {
		s.emit(call.PeerEvent{Type: call.PeerEventRemoteStream, Stream: stream})
	}
}

func (s *Session) emit(ev call.PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc := s.pc
	s.pc = nil
	close(s.events)
	s.mu.Unlock()

	s.transport.sig.UnregisterCall(s.callID, s)
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// remoteStream groups the remote tracks sharing one stream id.
type remoteStream struct {
	id string

	mu     sync.Mutex
	tracks []feed.Track
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Tracks() []feed.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feed.Track(nil), s.tracks...)
}

func (s *remoteStream) add(t feed.Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// remoteTrack adapts a pion remote track. Enable state is advisory here;
// the sender stops emitting when it mutes.
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) Kind() feed.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return feed.TrackVideo
	}
	return feed.TrackAudio
}

func (t *remoteTrack) SetEnabled(bool) {}

func (t *remoteTrack) Stop() {}

// drain keeps the RTP pipeline flowing until the peer connection closes.
func (t *remoteTrack) drain() {
	for {
		if _, _, err := t.track.ReadRTP(); err != nil {
			return
		}
	}
}
