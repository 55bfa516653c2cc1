package call

import (
	"context"
	"sync"

	"github.com/huddlekit/huddle/internal/feed"
	"github.com/huddlekit/huddle/internal/protocol"
)

// PeerState is the lifecycle state of one peer call session.
type PeerState string

const (
	PeerIdle      PeerState = "idle"
	PeerInviting  PeerState = "inviting"
	PeerRinging   PeerState = "ringing"
	PeerConnected PeerState = "connected"
	PeerEnded     PeerState = "ended"
)

// PeerSession is the pairwise signaling session with one remote device. It
// shares the aggregate's local feed and owns one remote feed per negotiated
// purpose. All transitions happen under the session lock; transport IO is
// performed outside any aggregate lock.
type PeerSession struct {
	mu               sync.Mutex
	opponentUserID   string
	opponentDeviceID string
	callID           string
	state            PeerState
	handle           PeerHandle
	localFeed        *feed.Feed
	remoteFeeds      map[feed.Purpose]*feed.Feed
	// purpose and flags announced ahead of the stream, applied on arrival
	pending map[feed.Purpose]protocol.FeedMetadata
}

func newPeerSession(userID, deviceID, callID string, handle PeerHandle, local *feed.Feed) *PeerSession {
	return &PeerSession{
		opponentUserID:   userID,
		opponentDeviceID: deviceID,
		callID:           callID,
		state:            PeerIdle,
		handle:           handle,
		localFeed:        local,
		remoteFeeds:      make(map[feed.Purpose]*feed.Feed),
		pending:          make(map[feed.Purpose]protocol.FeedMetadata),
	}
}

func (p *PeerSession) OpponentUserID() string   { return p.opponentUserID }
func (p *PeerSession) OpponentDeviceID() string { return p.opponentDeviceID }
func (p *PeerSession) CallID() string           { return p.callID }

func (p *PeerSession) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerSession) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// LocalFeed returns the aggregate feed this session carries.
func (p *PeerSession) LocalFeed() *feed.Feed { return p.localFeed }

// RemoteFeeds returns the remote feeds negotiated so far.
func (p *PeerSession) RemoteFeeds() []*feed.Feed {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*feed.Feed, 0, len(p.remoteFeeds))
	for _, f := range p.remoteFeeds {
		out = append(out, f)
	}
	return out
}

// RemoteFeed returns the remote feed of the given purpose, if negotiated.
func (p *PeerSession) RemoteFeed(purpose feed.Purpose) *feed.Feed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteFeeds[purpose]
}

func (p *PeerSession) localMetadata() []protocol.FeedMetadata {
	if p.localFeed == nil {
		return nil
	}
	return []protocol.FeedMetadata{p.localFeed.Metadata()}
}

func (p *PeerSession) invite(ctx context.Context) error {
	p.setState(PeerInviting)
	if err := p.handle.Invite(ctx, []*feed.Feed{p.localFeed}); err != nil {
		p.setState(PeerEnded)
		_ = p.handle.Close()
		return err
	}
	return nil
}

func (p *PeerSession) answer(ctx context.Context) error {
	if err := p.handle.Answer(ctx, []*feed.Feed{p.localFeed}); err != nil {
		p.setState(PeerEnded)
		_ = p.handle.Close()
		return err
	}
	p.setState(PeerConnected)
	return nil
}

// hangup ends the session: a graceful hangup is sent only where the call was
// connected; a session that never connected is just dropped.
func (p *PeerSession) hangup(ctx context.Context, reason string) error {
	p.mu.Lock()
	state := p.state
	p.state = PeerEnded
	p.mu.Unlock()

	var err error
	if state == PeerConnected {
		err = p.handle.Hangup(ctx, reason)
	}
	if closeErr := p.handle.Close(); err == nil {
		err = closeErr
	}
	return err
}

// end marks the session ended without touching the transport, for remote
// hangups already signaled by the opponent.
func (p *PeerSession) end() {
	p.mu.Lock()
	p.state = PeerEnded
	p.mu.Unlock()
	_ = p.handle.Close()
}

// sendMetadata pushes the current local feed state to the opponent.
func (p *PeerSession) sendMetadata(ctx context.Context) error {
	return p.handle.SendMetadata(ctx, p.localMetadata())
}

// applyRemoteMetadata overwrites mute flags on the remote feed of each
// described purpose. Metadata for a feed whose stream has not arrived yet is
// held and applied on arrival. Last writer wins.
func (p *PeerSession) applyRemoteMetadata(metadata []protocol.FeedMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, md := range metadata {
		purpose := feed.Purpose(md.Purpose)
		if purpose == "" {
			purpose = feed.PurposeUsermedia
		}
		if f, ok := p.remoteFeeds[purpose]; ok {
			f.SetMuted(md.AudioMuted, md.VideoMuted)
			continue
		}
		p.pending[purpose] = md
	}
}

// addRemoteStream materializes a remote feed on first sight of a stream,
// tagging it with any metadata announced ahead of it.
func (p *PeerSession) addRemoteStream(s feed.Stream) *feed.Feed {
	p.mu.Lock()
	defer p.mu.Unlock()

	purpose := feed.PurposeUsermedia
	var md protocol.FeedMetadata
	var announced bool
	for pu, pend := range p.pending {
		if pend.StreamID == s.ID() {
			purpose, md, announced = pu, pend, true
			break
		}
	}

	f := feed.New(p.opponentUserID, purpose, s)
	if announced {
		f.SetMuted(md.AudioMuted, md.VideoMuted)
		delete(p.pending, purpose)
	}
	p.remoteFeeds[purpose] = f
	return f
}
