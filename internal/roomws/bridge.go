// Package roomws bridges the engine to a room-sync service over a single
// websocket. It publishes state records, relays device-to-device call
// signaling, and feeds inbound traffic into the call manager.
package roomws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/protocol"
	"github.com/huddlekit/huddle/internal/reliability"
)

const (
	writeTimeout     = 3 * time.Second
	handshakeTimeout = 4 * time.Second
	reconnectBase    = 500 * time.Millisecond
	reconnectCap     = 30 * time.Second
)

var ErrBridgeClosed = errors.New("room bridge closed")

// Dispatcher receives inbound room traffic. *call.Manager satisfies it.
type Dispatcher interface {
	DispatchStateRecord(ctx context.Context, rec protocol.StateRecord)
	DispatchOffer(ctx context.Context, offer call.Offer) error
}

// CallRoute receives the device-to-device messages addressed to one call id.
type CallRoute interface {
	DeliverCallMessage(msg any)
	Close() error
}

// SessionFactory mints the peer handle for an inbound offer. The default
// factory relays signaling as-is; a media engine installs its own so it can
// consume the offer SDP.
type SessionFactory func(offer protocol.CallOffer) call.PeerHandle

// Bridge maintains one websocket to the room-sync service. It implements
// call.RoomState and call.PeerTransport so the manager can publish state and
// mint peer sessions over the same connection.
type Bridge struct {
	url           string
	localUserID   string
	localDeviceID string
	dialer        websocket.Dialer
	log           zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	routes     map[string]CallRoute
	newSession SessionFactory
	closed     bool
}

func NewBridge(rawURL, localUserID, localDeviceID string, logger zerolog.Logger) (*Bridge, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		url:           u,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		log:    logger,
		routes: make(map[string]CallRoute),
	}, nil
}

// SetSessionFactory installs a media engine's inbound-session constructor.
// Must be called before Run.
func (b *Bridge) SetSessionFactory(f SessionFactory) {
	b.mu.Lock()
	b.newSession = f
	b.mu.Unlock()
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("room sync url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse HUDDLE_ROOM_SYNC_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported room sync url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Run connects and pumps inbound messages into the dispatcher until ctx is
// cancelled, reconnecting with capped backoff after transient failures.
func (b *Bridge) Run(ctx context.Context, d Dispatcher) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
		if err != nil {
			wait := reliability.ExponentialBackoff(attempt, reconnectBase, reconnectCap)
			attempt++
			b.log.Warn().Err(err).Dur("retry_in", wait).Msg("room sync dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		b.setConn(conn)
		b.log.Info().Str("url", b.url).Msg("room sync connected")

		err = b.readLoop(ctx, conn, d)
		b.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && !reliability.IsRetryableCloseCode(closeErr.Code) {
			return fmt.Errorf("room sync closed: %w", err)
		}
		b.log.Warn().Err(err).Msg("room sync disconnected, reconnecting")
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, d Dispatcher) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseRoomMessage(raw)
		if err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed room message")
			continue
		}
		b.handleMessage(ctx, d, msg)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, d Dispatcher, msg any) {
	switch m := msg.(type) {
	case protocol.StateRecordMessage:
		d.DispatchStateRecord(ctx, m.Record)
	case protocol.CallOffer:
		if m.CallerUserID == b.localUserID && m.CallerDeviceID == b.localDeviceID {
			return
		}
		offer := call.Offer{
			RoomID:           m.RoomID,
			GroupCallID:      m.GroupCallID,
			CallID:           m.CallID,
			OpponentUserID:   m.CallerUserID,
			OpponentDeviceID: m.CallerDeviceID,
			Phase:            m.Phase,
			Metadata:         m.Metadata,
			Handle:           b.mintInbound(m),
		}
		if err := d.DispatchOffer(ctx, offer); err != nil {
			b.log.Warn().Err(err).Str("call_id", m.CallID).Msg("offer dispatch failed")
		}
	case protocol.CallAnswer:
		b.route(m.CallID, m)
	case protocol.CallHangup:
		b.route(m.CallID, m)
	case protocol.CallReject:
		b.route(m.CallID, m)
	case protocol.CallMetadataUpdate:
		b.route(m.CallID, m)
	}
}

func (b *Bridge) mintInbound(m protocol.CallOffer) call.PeerHandle {
	b.mu.Lock()
	factory := b.newSession
	b.mu.Unlock()
	if factory != nil {
		return factory(m)
	}
	h := newRelayHandle(b, m.RoomID, m.GroupCallID, m.CallID, m.CallerUserID, m.CallerDeviceID)
	b.RegisterCall(m.CallID, h)
	return h
}

func (b *Bridge) setConn(conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

// Send serializes one outbound room message. The write deadline keeps a
// stuck peer from wedging the aggregate goroutines calling into the bridge.
func (b *Bridge) Send(msg any) error {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBridgeClosed
	}
	if b.conn == nil {
		return errors.New("room sync not connected")
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer b.conn.SetWriteDeadline(time.Time{})
	return b.conn.WriteMessage(websocket.TextMessage, raw)
}

// PublishStateRecord implements call.RoomState.
func (b *Bridge) PublishStateRecord(_ context.Context, roomID, recordType string, content any, stateKey string) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal state record content: %w", err)
	}
	return b.Send(protocol.StateRecordMessage{
		Record: protocol.StateRecord{
			RoomID:     roomID,
			RecordType: recordType,
			StateKey:   stateKey,
			Content:    raw,
		},
	})
}

// CreateSession implements call.PeerTransport with plain signaling relay.
func (b *Bridge) CreateSession(_ context.Context, roomID, groupCallID, opponentUserID, opponentDeviceID, callID string) (call.PeerHandle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	b.mu.Unlock()
	h := newRelayHandle(b, roomID, groupCallID, callID, opponentUserID, opponentDeviceID)
	b.RegisterCall(callID, h)
	return h, nil
}

// RegisterCall binds inbound traffic for a call id to a route.
func (b *Bridge) RegisterCall(callID string, r CallRoute) {
	b.mu.Lock()
	b.routes[callID] = r
	b.mu.Unlock()
}

// UnregisterCall removes the binding, but only if r still owns it.
func (b *Bridge) UnregisterCall(callID string, r CallRoute) {
	b.mu.Lock()
	if b.routes[callID] == r {
		delete(b.routes, callID)
	}
	b.mu.Unlock()
}

func (b *Bridge) route(callID string, msg any) {
	b.mu.Lock()
	r := b.routes[callID]
	b.mu.Unlock()
	if r == nil {
		b.log.Debug().Str("call_id", callID).Msg("dropping message for unknown call")
		return
	}
	r.DeliverCallMessage(msg)
}

// Close tears down the connection and every open route.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	routes := make([]CallRoute, 0, len(b.routes))
	for _, r := range b.routes {
		routes = append(routes, r)
	}
	b.routes = make(map[string]CallRoute)
	b.mu.Unlock()

	for _, r := range routes {
		_ = r.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
