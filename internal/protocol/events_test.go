package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRoomMessageOffer(t *testing.T) {
	raw := []byte(`{"type":"call_offer","room_id":"r1","group_call_id":"g1","call_id":"c1","caller_user_id":"@bob:a","caller_device_id":"DEV1","phase":"ringing"}`)
	msg, err := ParseRoomMessage(raw)
	if err != nil {
		t.Fatalf("ParseRoomMessage() error = %v", err)
	}

	offer, ok := msg.(CallOffer)
	if !ok {
		t.Fatalf("message type = %T, want CallOffer", msg)
	}
	if offer.RoomID != "r1" || offer.GroupCallID != "g1" || offer.CallID != "c1" {
		t.Fatalf("unexpected offer: %+v", offer)
	}
	if offer.Phase != CallPhaseRinging {
		t.Fatalf("Phase = %q, want %q", offer.Phase, CallPhaseRinging)
	}
}

func TestParseRoomMessageOfferDefaultsPhase(t *testing.T) {
	raw := []byte(`{"type":"call_offer","room_id":"r1","call_id":"c1","caller_user_id":"@bob:a","caller_device_id":"DEV1"}`)
	msg, err := ParseRoomMessage(raw)
	if err != nil {
		t.Fatalf("ParseRoomMessage() error = %v", err)
	}
	if offer := msg.(CallOffer); offer.Phase != CallPhaseRinging {
		t.Fatalf("Phase = %q, want default %q", offer.Phase, CallPhaseRinging)
	}
}

func TestParseRoomMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseRoomMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseRoomMessageStateRecordRequiresIdentity(t *testing.T) {
	raw := []byte(`{"type":"state_record","record":{"room_id":"r1","record_type":"org.huddle.call.member"}}`)
	if _, err := ParseRoomMessage(raw); err == nil {
		t.Fatalf("expected error for record without state_key")
	}
}

func TestParseMemberContent(t *testing.T) {
	raw := json.RawMessage(`{"expires_ts":1700000000000,"calls":[{"call_id":"g1","devices":[{"device_id":"DEV1"},{"device_id":"DEV2"}]}]}`)
	c, err := ParseMemberContent(raw)
	if err != nil {
		t.Fatalf("ParseMemberContent() error = %v", err)
	}
	if c.ExpiresTS != 1700000000000 {
		t.Fatalf("ExpiresTS = %d", c.ExpiresTS)
	}
	if len(c.Calls) != 1 || len(c.Calls[0].Devices) != 2 {
		t.Fatalf("unexpected calls: %+v", c.Calls)
	}
}

func TestParseMemberContentMissingExpiry(t *testing.T) {
	if _, err := ParseMemberContent(json.RawMessage(`{"calls":[]}`)); err == nil {
		t.Fatalf("expected error for missing expires_ts")
	}
}

func TestMarshalRoundTripsMetadata(t *testing.T) {
	out, err := Marshal(CallMetadataUpdate{
		RoomID:   "r1",
		CallID:   "c1",
		Metadata: []FeedMetadata{{StreamID: "s1", Purpose: PurposeUsermedia, AudioMuted: true}},
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	msg, err := ParseRoomMessage(out)
	if err != nil {
		t.Fatalf("ParseRoomMessage() error = %v", err)
	}
	update, ok := msg.(CallMetadataUpdate)
	if !ok {
		t.Fatalf("message type = %T, want CallMetadataUpdate", msg)
	}
	if len(update.Metadata) != 1 || !update.Metadata[0].AudioMuted || update.Metadata[0].VideoMuted {
		t.Fatalf("unexpected metadata: %+v", update.Metadata)
	}
}
