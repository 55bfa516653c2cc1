package call

import (
	"context"
	"errors"
	"testing"

	"github.com/huddlekit/huddle/internal/protocol"
)

func TestSetMicrophoneMutedBeforeEnter(t *testing.T) {
	f := newFixture(defaultParams())
	ctx := context.Background()

	if err := f.gc.SetMicrophoneMuted(ctx, true); err != nil {
		t.Fatalf("SetMicrophoneMuted() error = %v", err)
	}
	if !f.gc.IsMicrophoneMuted() {
		t.Fatalf("flag must apply with no feed and no sessions")
	}

	// The flag carries into Enter so the feed starts muted.
	if err := f.gc.Enter(ctx); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if !f.gc.LocalFeed().AudioMuted() {
		t.Fatalf("local feed must start muted after a pre-enter mute")
	}
	if f.devices.Acquired()[0].AudioTrack().Enabled() {
		t.Fatalf("audio track must start disabled")
	}
}

func TestSetMicrophoneMutedFansOutToSessions(t *testing.T) {
	f := newFixture(defaultParams())
	ctx := context.Background()

	f.gc.HandleStateRecord(ctx, liveRecord("@bob:a", "BOBDEV"))
	f.gc.HandleStateRecord(ctx, liveRecord("@carol:a", "CAROLDEV"))
	if err := f.gc.Enter(ctx); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	if got := len(f.gc.PeerSessions()); got != 2 {
		t.Fatalf("sessions = %d, want 2", got)
	}

	if err := f.gc.SetMicrophoneMuted(ctx, true); err != nil {
		t.Fatalf("SetMicrophoneMuted() error = %v", err)
	}

	stream := f.devices.Acquired()[0]
	if stream.AudioTrack().Enabled() {
		t.Fatalf("every audio track must be disabled")
	}
	if !f.gc.LocalFeed().AudioMuted() {
		t.Fatalf("local feed flag must be set")
	}
	for _, opp := range []struct{ user, device string }{
		{"@bob:a", "BOBDEV"},
		{"@carol:a", "CAROLDEV"},
	} {
		h := f.transport.SessionFor(opp.user, opp.device)
		sent := h.MetadataSent()
		if len(sent) == 0 {
			t.Fatalf("no metadata update sent to %s", opp.user)
		}
		last := sent[len(sent)-1]
		if len(last) != 1 || !last[0].AudioMuted || last[0].VideoMuted {
			t.Fatalf("metadata to %s = %+v, want audio muted only", opp.user, last)
		}
	}
}

func TestSetLocalVideoMuted(t *testing.T) {
	f := enteredFixture(t)
	ctx := context.Background()

	if err := f.gc.SetLocalVideoMuted(ctx, true); err != nil {
		t.Fatalf("SetLocalVideoMuted() error = %v", err)
	}
	if !f.gc.IsLocalVideoMuted() || f.gc.IsMicrophoneMuted() {
		t.Fatalf("video=%v mic=%v, want true/false", f.gc.IsLocalVideoMuted(), f.gc.IsMicrophoneMuted())
	}
	stream := f.devices.Acquired()[0]
	if stream.VideoTrack().Enabled() || !stream.AudioTrack().Enabled() {
		t.Fatalf("only video tracks should be disabled")
	}
}

func TestSetMutedSurfacesSendFailure(t *testing.T) {
	f := newFixture(defaultParams())
	ctx := context.Background()

	f.gc.HandleStateRecord(ctx, liveRecord("@bob:a", "BOBDEV"))
	if err := f.gc.Enter(ctx); err != nil {
		t.Fatalf("Enter() error = %v", err)
	}
	h := f.transport.SessionFor("@bob:a", "BOBDEV")
	h.FailSend = errors.New("broken pipe")

	if err := f.gc.SetMicrophoneMuted(ctx, true); err == nil {
		t.Fatalf("SetMicrophoneMuted() should surface the send failure")
	}
	// The local flag is still applied; only the fan-out failed.
	if !f.gc.IsMicrophoneMuted() {
		t.Fatalf("local flag must be set even when fan-out fails")
	}
}

func TestUpdateLocalUsermediaStream(t *testing.T) {
	f := enteredFixture(t)
	ctx := context.Background()

	if err := f.gc.SetMicrophoneMuted(ctx, true); err != nil {
		t.Fatalf("SetMicrophoneMuted() error = %v", err)
	}
	old := f.devices.Acquired()[0]
	replacement := NewMockStream(true, true)

	if err := f.gc.UpdateLocalUsermediaStream(ctx, replacement); err != nil {
		t.Fatalf("UpdateLocalUsermediaStream() error = %v", err)
	}

	if got := f.gc.LocalFeed().Stream(); got != replacement {
		t.Fatalf("local feed stream = %v, want replacement", got)
	}
	if !f.gc.IsMicrophoneMuted() || f.gc.IsLocalVideoMuted() {
		t.Fatalf("mute flags must survive the swap")
	}
	if replacement.AudioTrack().Enabled() {
		t.Fatalf("mute flags must be re-applied to the new stream's tracks")
	}
	if !old.AudioTrack().Stopped() || !old.VideoTrack().Stopped() {
		t.Fatalf("previous stream's tracks must be stopped")
	}
}

func TestUpdateLocalUsermediaStreamRequiresEnter(t *testing.T) {
	f := newFixture(defaultParams())
	err := f.gc.UpdateLocalUsermediaStream(context.Background(), NewMockStream(true, false))
	if !errors.Is(err, ErrNotEntered) {
		t.Fatalf("error = %v, want ErrNotEntered", err)
	}
}

func TestRemoteMetadataOverwritesFeedFlags(t *testing.T) {
	f := enteredFixture(t)
	ctx := context.Background()

	offer := ringingOffer("c1")
	if err := f.gc.HandleIncomingOffer(ctx, offer); err != nil {
		t.Fatalf("HandleIncomingOffer() error = %v", err)
	}
	h := offer.Handle.(*MockPeerHandle)
	remote := NewMockStream(true, true)
	h.Emit(PeerEvent{Type: PeerEventRemoteStream, Stream: remote})
	waitFor(t, "remote feed", func() bool {
		return f.gc.UserMediaFeedByUserID("@bob:a") != nil
	})

	remoteFeed := f.gc.UserMediaFeedByUserID("@bob:a")
	remoteFeed.SetMuted(false, true)

	h.Emit(PeerEvent{Type: PeerEventMetadata, Metadata: []protocol.FeedMetadata{{
		StreamID:   remote.ID(),
		Purpose:    protocol.PurposeUsermedia,
		AudioMuted: true,
		VideoMuted: false,
	}}})

	waitFor(t, "metadata applied", func() bool {
		return remoteFeed.AudioMuted() && !remoteFeed.VideoMuted()
	})
}

func TestMetadataAnnouncedBeforeStream(t *testing.T) {
	f := enteredFixture(t)
	ctx := context.Background()

	offer := ringingOffer("c1")
	remote := NewMockStream(true, true)
	offer.Metadata = []protocol.FeedMetadata{{
		StreamID:   remote.ID(),
		Purpose:    protocol.PurposeUsermedia,
		AudioMuted: true,
	}}
	if err := f.gc.HandleIncomingOffer(ctx, offer); err != nil {
		t.Fatalf("HandleIncomingOffer() error = %v", err)
	}

	h := offer.Handle.(*MockPeerHandle)
	h.Emit(PeerEvent{Type: PeerEventRemoteStream, Stream: remote})

	waitFor(t, "announced flags applied on arrival", func() bool {
		rf := f.gc.UserMediaFeedByUserID("@bob:a")
		return rf != nil && rf.AudioMuted() && !rf.VideoMuted()
	})
}
