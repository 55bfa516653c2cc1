package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Record types published into room state.
const (
	RecordTypeCallDescriptor = "org.huddle.call"
	RecordTypeCallMember     = "org.huddle.call.member"
)

// Call phases carried on device-to-device call messages.
const (
	CallPhaseRinging   = "ringing"
	CallPhaseConnected = "connected"
	CallPhaseEnded     = "ended"
)

// StateRecord is one room-state entry as delivered by the room transport.
// StateKey is the publishing user's id; Content is the raw payload.
type StateRecord struct {
	RoomID     string          `json:"room_id"`
	RecordType string          `json:"record_type"`
	StateKey   string          `json:"state_key"`
	Content    json.RawMessage `json:"content"`
}

// DescriptorContent is the room-level call descriptor payload.
type DescriptorContent struct {
	CallType   string `json:"call_type"`
	Intent     string `json:"intent"`
	PushToTalk bool   `json:"ptt,omitempty"`
}

// MemberDevice is one device entry inside a membership record.
type MemberDevice struct {
	DeviceID string `json:"device_id"`
}

// MemberCall binds a group-call id to the devices a user claims are in it.
type MemberCall struct {
	CallID  string         `json:"call_id"`
	Devices []MemberDevice `json:"devices"`
}

// MemberContent is the per-user membership record payload. A record is only
// meaningful while ExpiresTS (epoch milliseconds) is in the future.
type MemberContent struct {
	ExpiresTS int64        `json:"expires_ts"`
	Calls     []MemberCall `json:"calls"`
}

// ParseMemberContent decodes a membership payload. A zero ExpiresTS is
// treated as malformed since such a record could never be live.
func ParseMemberContent(raw json.RawMessage) (MemberContent, error) {
	var c MemberContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return MemberContent{}, fmt.Errorf("invalid member content: %w", err)
	}
	if c.ExpiresTS <= 0 {
		return MemberContent{}, errors.New("member content missing expires_ts")
	}
	return c, nil
}

// Feed purposes declared in negotiation metadata.
const (
	PurposeUsermedia   = "usermedia"
	PurposeScreenshare = "screenshare"
)

// FeedMetadata describes one media feed's purpose and mute state, exchanged
// alongside negotiation. Last-writer-wins on the receiving side.
type FeedMetadata struct {
	StreamID   string `json:"stream_id"`
	Purpose    string `json:"purpose"`
	AudioMuted bool   `json:"audio_muted"`
	VideoMuted bool   `json:"video_muted"`
}

// MessageType identifies room-channel payload variants.
type MessageType string

const (
	TypeStateRecord  MessageType = "state_record"
	TypeCallOffer    MessageType = "call_offer"
	TypeCallAnswer   MessageType = "call_answer"
	TypeCallHangup   MessageType = "call_hangup"
	TypeCallReject   MessageType = "call_reject"
	TypeCallMetadata MessageType = "call_metadata"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// StateRecordMessage carries a room-state update to the local device.
type StateRecordMessage struct {
	Type   MessageType `json:"type"`
	Record StateRecord `json:"record"`
}

// CallOffer is an inbound invite from a remote device.
type CallOffer struct {
	Type           MessageType    `json:"type"`
	RoomID         string         `json:"room_id"`
	GroupCallID    string         `json:"group_call_id"`
	CallID         string         `json:"call_id"`
	CallerUserID   string         `json:"caller_user_id"`
	CallerDeviceID string         `json:"caller_device_id"`
	Phase          string         `json:"phase"`
	SDP            string         `json:"sdp,omitempty"`
	Metadata       []FeedMetadata `json:"metadata,omitempty"`
}

// CallAnswer accepts a previously sent offer.
type CallAnswer struct {
	Type     MessageType    `json:"type"`
	RoomID   string         `json:"room_id"`
	CallID   string         `json:"call_id"`
	SDP      string         `json:"sdp,omitempty"`
	Metadata []FeedMetadata `json:"metadata,omitempty"`
}

// CallHangup terminates an established or pending call.
type CallHangup struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"room_id"`
	CallID string      `json:"call_id"`
	Reason string      `json:"reason,omitempty"`
}

// CallReject declines an offer that was never answered.
type CallReject struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"room_id"`
	CallID string      `json:"call_id"`
}

// CallMetadataUpdate carries refreshed feed metadata for an active call.
type CallMetadataUpdate struct {
	Type     MessageType    `json:"type"`
	RoomID   string         `json:"room_id"`
	CallID   string         `json:"call_id"`
	Metadata []FeedMetadata `json:"metadata"`
}

// ParseRoomMessage decodes one JSON payload from the room channel into its
// typed form, validating the fields the engine depends on.
func ParseRoomMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStateRecord:
		var msg StateRecordMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Record.RoomID == "" || msg.Record.RecordType == "" || msg.Record.StateKey == "" {
			return nil, errors.New("invalid state_record")
		}
		return msg, nil
	case TypeCallOffer:
		var msg CallOffer
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RoomID == "" || msg.CallID == "" || msg.CallerUserID == "" || msg.CallerDeviceID == "" {
			return nil, errors.New("invalid call_offer")
		}
		if msg.Phase == "" {
			msg.Phase = CallPhaseRinging
		}
		return msg, nil
	case TypeCallAnswer:
		var msg CallAnswer
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RoomID == "" || msg.CallID == "" {
			return nil, errors.New("invalid call_answer")
		}
		return msg, nil
	case TypeCallHangup:
		var msg CallHangup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RoomID == "" || msg.CallID == "" {
			return nil, errors.New("invalid call_hangup")
		}
		return msg, nil
	case TypeCallReject:
		var msg CallReject
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RoomID == "" || msg.CallID == "" {
			return nil, errors.New("invalid call_reject")
		}
		return msg, nil
	case TypeCallMetadata:
		var msg CallMetadataUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RoomID == "" || msg.CallID == "" {
			return nil, errors.New("invalid call_metadata")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// Marshal encodes any outbound room message, stamping its type field first.
func Marshal(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case StateRecordMessage:
		m.Type = TypeStateRecord
		return json.Marshal(m)
	case CallOffer:
		m.Type = TypeCallOffer
		return json.Marshal(m)
	case CallAnswer:
		m.Type = TypeCallAnswer
		return json.Marshal(m)
	case CallHangup:
		m.Type = TypeCallHangup
		return json.Marshal(m)
	case CallReject:
		m.Type = TypeCallReject
		return json.Marshal(m)
	case CallMetadataUpdate:
		m.Type = TypeCallMetadata
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, msg)
	}
}
