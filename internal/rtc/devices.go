// Package rtc is the pion-backed media engine: it acquires local RTP tracks
// and runs one peer connection per call, negotiating SDP over the room
// signaling channel.
package rtc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/feed"
)

// Devices mints local media streams backed by static RTP tracks. Capture
// pipelines push packets through WriteRTP; a disabled track swallows them so
// muting stops emission without renegotiation.
type Devices struct {
	log zerolog.Logger
}

func NewDevices(logger zerolog.Logger) *Devices {
	return &Devices{log: logger}
}

func (d *Devices) AcquireUserMedia(_ context.Context, audio, video bool) (feed.Stream, error) {
	streamID := uuid.NewString()
	s := &localStream{id: streamID}

	if audio {
		t, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, newLocalTrack(feed.TrackAudio, t))
	}
	if video {
		t, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, newLocalTrack(feed.TrackVideo, t))
	}

	d.log.Debug().Str("stream_id", streamID).Bool("audio", audio).Bool("video", video).Msg("acquired user media")
	return s, nil
}

func (d *Devices) StopStream(s feed.Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type localStream struct {
	id     string
	tracks []feed.Track
}

func (s *localStream) ID() string           { return s.id }
func (s *localStream) Tracks() []feed.Track { return s.tracks }

// LocalTrack is a feed.Track over a pion static RTP track.
type LocalTrack struct {
	kind feed.TrackKind
	rtp  *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newLocalTrack(kind feed.TrackKind, t *webrtc.TrackLocalStaticRTP) *LocalTrack {
	return &LocalTrack{kind: kind, rtp: t, enabled: true}
}

func (t *LocalTrack) Kind() feed.TrackKind { return t.kind }

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// RTPTrack exposes the underlying pion track for peer-connection attachment.
func (t *LocalTrack) RTPTrack() *webrtc.TrackLocalStaticRTP { return t.rtp }

// WriteRTP forwards one packet from the capture pipeline. Packets written
// while the track is disabled or stopped are dropped.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if !t.Enabled() {
		return nil
	}
	return t.rtp.WriteRTP(p)
}
