package call

import (
	"testing"

	"github.com/huddlekit/huddle/internal/protocol"
)

func TestAdmitVerdicts(t *testing.T) {
	base := admissionState{roomID: "r1", groupCallID: "g1", entered: true}

	cases := []struct {
		name       string
		st         admissionState
		offer      Offer
		want       Verdict
		wantReason string
	}{
		{
			name:       "wrong room is dropped silently",
			st:         base,
			offer:      Offer{RoomID: "other", GroupCallID: "g1", CallID: "c1", Phase: protocol.CallPhaseRinging},
			want:       VerdictIgnore,
			wantReason: "wrong_room",
		},
		{
			name:       "wrong group call is rejected",
			st:         base,
			offer:      Offer{RoomID: "r1", GroupCallID: "other", CallID: "c1", Phase: protocol.CallPhaseRinging},
			want:       VerdictReject,
			wantReason: "wrong_group_call",
		},
		{
			name:       "non-ringing offer is stale",
			st:         base,
			offer:      Offer{RoomID: "r1", GroupCallID: "g1", CallID: "c1", Phase: protocol.CallPhaseEnded},
			want:       VerdictIgnore,
			wantReason: "stale_phase",
		},
		{
			name:       "not entered rejects",
			st:         admissionState{roomID: "r1", groupCallID: "g1", entered: false},
			offer:      Offer{RoomID: "r1", GroupCallID: "g1", CallID: "c1", Phase: protocol.CallPhaseRinging},
			want:       VerdictReject,
			wantReason: "not_entered",
		},
		{
			name:       "fresh offer is answered",
			st:         base,
			offer:      Offer{RoomID: "r1", GroupCallID: "g1", CallID: "c1", Phase: protocol.CallPhaseRinging},
			want:       VerdictAnswer,
			wantReason: "admitted",
		},
		{
			name:       "same call id is a duplicate",
			st:         admissionState{roomID: "r1", groupCallID: "g1", entered: true, hasExisting: true, existingCallID: "c1"},
			offer:      Offer{RoomID: "r1", GroupCallID: "g1", CallID: "c1", Phase: protocol.CallPhaseRinging},
			want:       VerdictIgnore,
			wantReason: "duplicate",
		},
		{
			name:       "different call id replaces",
			st:         admissionState{roomID: "r1", groupCallID: "g1", entered: true, hasExisting: true, existingCallID: "c1"},
			offer:      Offer{RoomID: "r1", GroupCallID: "g1", CallID: "c2", Phase: protocol.CallPhaseRinging},
			want:       VerdictReplace,
			wantReason: "replacement",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := admit(tc.st, tc.offer)
			if got != tc.want || reason != tc.wantReason {
				t.Fatalf("admit() = (%v, %q), want (%v, %q)", got, reason, tc.want, tc.wantReason)
			}
		})
	}
}
