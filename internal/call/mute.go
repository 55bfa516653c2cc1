package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/huddlekit/huddle/internal/feed"
)

// SetMicrophoneMuted propagates a local microphone mute change: every audio
// track of the local stream, the local feed's flag, and a metadata update on
// every active session carrying that feed. Safe with zero sessions and
// before Enter; the flag still applies so later sessions start correctly
// muted.
func (c *GroupCall) SetMicrophoneMuted(ctx context.Context, muted bool) error {
	return c.setMuted(ctx, feed.TrackAudio, muted)
}

// SetLocalVideoMuted is the video counterpart of SetMicrophoneMuted.
func (c *GroupCall) SetLocalVideoMuted(ctx context.Context, muted bool) error {
	return c.setMuted(ctx, feed.TrackVideo, muted)
}

func (c *GroupCall) IsMicrophoneMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micMuted
}

func (c *GroupCall) IsLocalVideoMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoMuted
}

func (c *GroupCall) setMuted(ctx context.Context, kind feed.TrackKind, muted bool) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	if kind == feed.TrackAudio {
		c.micMuted = muted
	} else {
		c.videoMuted = muted
	}
	f := c.localFeed
	if f != nil {
		if kind == feed.TrackAudio {
			f.SetAudioMuted(muted)
		} else {
			f.SetVideoMuted(muted)
		}
		f.ApplyTrackState()
	}
	var targets []*PeerSession
	if f != nil {
		for _, ps := range c.peers {
			if ps.LocalFeed() == f {
				targets = append(targets, ps)
			}
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, ps := range targets {
		if err := ps.sendMetadata(ctx); err != nil {
			errs = append(errs, fmt.Errorf("send metadata to %s/%s: %w", ps.OpponentUserID(), ps.OpponentDeviceID(), err))
		}
	}
	return errors.Join(errs...)
}

// UpdateLocalUsermediaStream swaps the underlying local stream, keeping the
// current mute flags, and releases the previous stream's tracks.
func (c *GroupCall) UpdateLocalUsermediaStream(ctx context.Context, stream feed.Stream) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	f := c.localFeed
	if f == nil {
		c.mu.Unlock()
		return ErrNotEntered
	}
	old := f.SwapStream(stream)
	f.ApplyTrackState()
	c.mu.Unlock()

	if old != nil {
		c.devices.StopStream(old)
	}
	return nil
}
