package call

import "github.com/huddlekit/huddle/internal/protocol"

// Verdict is the admission decision for one inbound offer.
type Verdict int

const (
	// VerdictIgnore drops the offer without responding: stale phase,
	// duplicate, or an offer that was never addressed to us.
	VerdictIgnore Verdict = iota
	// VerdictReject tells the opponent to hang up.
	VerdictReject
	// VerdictAnswer admits the offer as a new peer session.
	VerdictAnswer
	// VerdictReplace hangs up the existing session for the opponent user
	// and answers the new offer in its place. Newest offer wins.
	VerdictReplace
)

func (v Verdict) String() string {
	switch v {
	case VerdictReject:
		return "reject"
	case VerdictAnswer:
		return "answer"
	case VerdictReplace:
		return "replace"
	default:
		return "ignore"
	}
}

// admissionState is the slice of aggregate state the verdict depends on.
// Admit is a pure function of it so the decision can be re-evaluated at any
// point against current maps, not state captured when the offer arrived.
type admissionState struct {
	roomID         string
	groupCallID    string
	entered        bool
	existingCallID string
	hasExisting    bool
}

// admit evaluates one inbound offer per the rules in order: wrong room is
// silently dropped, wrong group call is rejected, non-ringing offers are
// stale, and a second offer from a known opponent either replaces the
// existing session (different call id) or is a duplicate (same call id).
func admit(st admissionState, offer Offer) (Verdict, string) {
	if offer.RoomID != st.roomID {
		return VerdictIgnore, "wrong_room"
	}
	if offer.GroupCallID != st.groupCallID {
		return VerdictReject, "wrong_group_call"
	}
	if offer.Phase != protocol.CallPhaseRinging {
		return VerdictIgnore, "stale_phase"
	}
	if !st.entered {
		return VerdictReject, "not_entered"
	}
	if st.hasExisting {
		if st.existingCallID == offer.CallID {
			return VerdictIgnore, "duplicate"
		}
		return VerdictReplace, "replacement"
	}
	return VerdictAnswer, "admitted"
}
