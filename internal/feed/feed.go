// Package feed wraps one media stream together with its declared purpose and
// mute state. The stream itself is opaque to the signaling engine; only track
// enable/stop control is required.
package feed

import (
	"sync"

	"github.com/huddlekit/huddle/internal/protocol"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is the engine's handle on one media track.
type Track interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Stop()
}

// Stream is the engine's handle on one media stream.
type Stream interface {
	ID() string
	Tracks() []Track
}

// Purpose declares what a feed carries.
type Purpose string

const (
	PurposeUsermedia   Purpose = protocol.PurposeUsermedia
	PurposeScreenshare Purpose = protocol.PurposeScreenshare
)

// Feed binds a stream to its owner, purpose and mute flags. For the local
// feed the flags are the source of truth pushed to every peer session; for
// remote feeds they mirror the most recently received negotiation metadata.
type Feed struct {
	mu         sync.RWMutex
	userID     string
	purpose    Purpose
	stream     Stream
	audioMuted bool
	videoMuted bool
}

func New(userID string, purpose Purpose, stream Stream) *Feed {
	return &Feed{userID: userID, purpose: purpose, stream: stream}
}

func (f *Feed) UserID() string   { return f.userID }
func (f *Feed) Purpose() Purpose { return f.purpose }

func (f *Feed) Stream() Stream {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stream
}

// SwapStream replaces the underlying stream, preserving mute flags, and
// returns the previous stream so the caller can release it.
func (f *Feed) SwapStream(s Stream) Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	old := f.stream
	f.stream = s
	return old
}

func (f *Feed) AudioMuted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.audioMuted
}

func (f *Feed) VideoMuted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.videoMuted
}

func (f *Feed) SetAudioMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioMuted = muted
}

func (f *Feed) SetVideoMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoMuted = muted
}

// SetMuted overwrites both flags, used when applying remote metadata.
func (f *Feed) SetMuted(audio, video bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioMuted = audio
	f.videoMuted = video
}

// ApplyTrackState re-derives track enablement from the current mute flags.
// Muted means disabled; a nil stream is a no-op.
func (f *Feed) ApplyTrackState() {
	f.mu.RLock()
	stream, audio, video := f.stream, f.audioMuted, f.videoMuted
	f.mu.RUnlock()
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case TrackAudio:
			t.SetEnabled(!audio)
		case TrackVideo:
			t.SetEnabled(!video)
		}
	}
}

// Metadata renders the feed as negotiation metadata for outbound signaling.
func (f *Feed) Metadata() protocol.FeedMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	streamID := ""
	if f.stream != nil {
		streamID = f.stream.ID()
	}
	return protocol.FeedMetadata{
		StreamID:   streamID,
		Purpose:    string(f.purpose),
		AudioMuted: f.audioMuted,
		VideoMuted: f.videoMuted,
	}
}
