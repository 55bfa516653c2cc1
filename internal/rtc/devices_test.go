package rtc

import (
	"context"
	"testing"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/feed"
)

func TestAcquireUserMediaTrackKinds(t *testing.T) {
	d := NewDevices(zerolog.Nop())

	s, err := d.AcquireUserMedia(context.Background(), true, true)
	if err != nil {
		t.Fatalf("AcquireUserMedia: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("stream id should not be empty")
	}
	tracks := s.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if tracks[0].Kind() != feed.TrackAudio || tracks[1].Kind() != feed.TrackVideo {
		t.Fatalf("track kinds = %v/%v", tracks[0].Kind(), tracks[1].Kind())
	}

	audioOnly, err := d.AcquireUserMedia(context.Background(), true, false)
	if err != nil {
		t.Fatalf("AcquireUserMedia: %v", err)
	}
	if got := len(audioOnly.Tracks()); got != 1 {
		t.Fatalf("audio-only stream has %d tracks, want 1", got)
	}
}

func TestLocalTrackMuteDropsPackets(t *testing.T) {
	d := NewDevices(zerolog.Nop())

	s, err := d.AcquireUserMedia(context.Background(), true, false)
	if err != nil {
		t.Fatalf("AcquireUserMedia: %v", err)
	}
	track := s.Tracks()[0].(*LocalTrack)
	if !track.Enabled() {
		t.Fatalf("fresh track should be enabled")
	}

	track.SetEnabled(false)
	if err := track.WriteRTP(&rtp.Packet{}); err != nil {
		t.Fatalf("WriteRTP while disabled should be a silent drop, got %v", err)
	}
	if track.Enabled() {
		t.Fatalf("track should report disabled")
	}

	track.SetEnabled(true)
	track.Stop()
	if track.Enabled() {
		t.Fatalf("stopped track should never report enabled")
	}
	if err := track.WriteRTP(&rtp.Packet{}); err != nil {
		t.Fatalf("WriteRTP after stop should be a silent drop, got %v", err)
	}
}
