package roomws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/protocol"
)

type captureDispatcher struct {
	mu      sync.Mutex
	records []protocol.StateRecord
	offers  []call.Offer
}

func (d *captureDispatcher) DispatchStateRecord(_ context.Context, rec protocol.StateRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
}

func (d *captureDispatcher) DispatchOffer(_ context.Context, offer call.Offer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offers = append(d.offers, offer)
	return nil
}

func (d *captureDispatcher) snapshot() ([]protocol.StateRecord, []call.Offer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.StateRecord(nil), d.records...), append([]call.Offer(nil), d.offers...)
}

type wsServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
	recv chan []byte
}

func newWSServer(t *testing.T) (*wsServer, *httptest.Server) {
	t.Helper()
	s := &wsServer{t: t, recv: make(chan []byte, 32)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.recv <- raw
		}
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *wsServer) sendToClient(t *testing.T, msg any) {
	t.Helper()
	raw, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.Fatalf("server write: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *wsServer) nextMessage(t *testing.T) any {
	t.Helper()
	select {
	case raw := <-s.recv:
		msg, err := protocol.ParseRoomMessage(raw)
		if err != nil {
			t.Fatalf("server parse: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for client message")
		return nil
	}
}

func startBridge(t *testing.T, url string, d Dispatcher) *Bridge {
	t.Helper()
	b, err := NewBridge(url, "@alice:a", "ALICEDEV", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx, d)
	}()
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
		<-done
	})
	return b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgePublishesStateRecords(t *testing.T) {
	server, srv := newWSServer(t)
	d := &captureDispatcher{}
	b := startBridge(t, srv.URL, d)

	content := protocol.DescriptorContent{CallType: "video", Intent: "ring"}
	waitFor(t, func() bool {
		return b.PublishStateRecord(context.Background(), "r1", protocol.RecordTypeCallDescriptor, content, "g1") == nil
	}, "connection")

	msg := server.nextMessage(t)
	rec, ok := msg.(protocol.StateRecordMessage)
	if !ok {
		t.Fatalf("server got %T, want StateRecordMessage", msg)
	}
	if rec.Record.RoomID != "r1" || rec.Record.StateKey != "g1" {
		t.Fatalf("record = %+v", rec.Record)
	}
	var got protocol.DescriptorContent
	if err := json.Unmarshal(rec.Record.Content, &got); err != nil || got.CallType != "video" {
		t.Fatalf("content = %s, err = %v", rec.Record.Content, err)
	}
}

func TestBridgeRoutesInboundStateRecords(t *testing.T) {
	server, srv := newWSServer(t)
	d := &captureDispatcher{}
	startBridge(t, srv.URL, d)

	server.sendToClient(t, protocol.StateRecordMessage{
		Record: protocol.StateRecord{
			RoomID:     "r1",
			RecordType: protocol.RecordTypeCallMember,
			StateKey:   "@bob:a",
			Content:    json.RawMessage(`{"expires_ts":1,"calls":[]}`),
		},
	})

	waitFor(t, func() bool {
		records, _ := d.snapshot()
		return len(records) == 1
	}, "state record dispatch")
	records, _ := d.snapshot()
	if records[0].StateKey != "@bob:a" {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestBridgeDeliversOffersWithWorkingHandle(t *testing.T) {
	server, srv := newWSServer(t)
	d := &captureDispatcher{}
	startBridge(t, srv.URL, d)

	server.sendToClient(t, protocol.CallOffer{
		RoomID:         "r1",
		GroupCallID:    "g1",
		CallID:         "c1",
		CallerUserID:   "@bob:a",
		CallerDeviceID: "BOBDEV",
	})

	waitFor(t, func() bool {
		_, offers := d.snapshot()
		return len(offers) == 1
	}, "offer dispatch")
	_, offers := d.snapshot()
	offer := offers[0]
	if offer.OpponentUserID != "@bob:a" || offer.Phase != protocol.CallPhaseRinging {
		t.Fatalf("offer = %+v", offer)
	}

	if err := offer.Handle.Answer(context.Background(), nil); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	msg := server.nextMessage(t)
	ans, ok := msg.(protocol.CallAnswer)
	if !ok || ans.CallID != "c1" {
		t.Fatalf("server got %T %+v, want CallAnswer for c1", msg, msg)
	}

	// Hangup from the remote side surfaces on the handle's event channel.
	server.sendToClient(t, protocol.CallHangup{RoomID: "r1", CallID: "c1", Reason: "user_hangup"})
	select {
	case ev := <-offer.Handle.Events():
		if ev.Type != call.PeerEventHangup || ev.Reason != "user_hangup" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no hangup event")
	}
}

func TestBridgeIgnoresOwnOfferEcho(t *testing.T) {
	server, srv := newWSServer(t)
	d := &captureDispatcher{}
	startBridge(t, srv.URL, d)

	server.sendToClient(t, protocol.CallOffer{
		RoomID:         "r1",
		GroupCallID:    "g1",
		CallID:         "c1",
		CallerUserID:   "@alice:a",
		CallerDeviceID: "ALICEDEV",
	})
	server.sendToClient(t, protocol.StateRecordMessage{
		Record: protocol.StateRecord{
			RoomID:     "r1",
			RecordType: protocol.RecordTypeCallMember,
			StateKey:   "@alice:a",
			Content:    json.RawMessage(`{"expires_ts":1,"calls":[]}`),
		},
	})

	waitFor(t, func() bool {
		records, _ := d.snapshot()
		return len(records) == 1
	}, "followup record")
	_, offers := d.snapshot()
	if len(offers) != 0 {
		t.Fatalf("own offer echo should be ignored, got %d offers", len(offers))
	}
}

func TestBridgeSessionInviteCarriesCallIdentifiers(t *testing.T) {
	server, srv := newWSServer(t)
	d := &captureDispatcher{}
	b := startBridge(t, srv.URL, d)

	waitFor(t, func() bool {
		return b.PublishStateRecord(context.Background(), "r1", protocol.RecordTypeCallDescriptor, struct{}{}, "g1") == nil
	}, "connection")
	server.nextMessage(t)

	h, err := b.CreateSession(context.Background(), "r1", "g1", "@bob:a", "BOBDEV", "c9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := h.Invite(context.Background(), nil); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	msg := server.nextMessage(t)
	offer, ok := msg.(protocol.CallOffer)
	if !ok {
		t.Fatalf("server got %T, want CallOffer", msg)
	}
	if offer.RoomID != "r1" || offer.GroupCallID != "g1" || offer.CallID != "c9" {
		t.Fatalf("offer = %+v", offer)
	}
	if offer.CallerUserID != "@alice:a" || offer.CallerDeviceID != "ALICEDEV" {
		t.Fatalf("caller identity = %s/%s", offer.CallerUserID, offer.CallerDeviceID)
	}
}
