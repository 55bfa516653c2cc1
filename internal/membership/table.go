// Package membership derives the effective participant set of a group call
// from per-user, expiring room-state records. Records are owned by their
// publishing user; this side only reads.
package membership

import (
	"sort"
	"time"

	"github.com/huddlekit/huddle/internal/protocol"
)

// Member is one live (user, device) pair in a group call.
type Member struct {
	UserID   string
	DeviceID string
}

// Table re-derives the member set on every state-record update. Each
// derivation is a total replacement; callers diff against their previous
// snapshot.
type Table struct {
	groupCallID   string
	localUserID   string
	localDeviceID string
	records       map[string]protocol.StateRecord
	now           func() time.Time
}

func NewTable(groupCallID, localUserID, localDeviceID string) *Table {
	return &Table{
		groupCallID:   groupCallID,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
		records:       make(map[string]protocol.StateRecord),
		now:           time.Now,
	}
}

// SetClock overrides the expiry clock, for tests.
func (t *Table) SetClock(now func() time.Time) { t.now = now }

// Upsert replaces the record held for the publishing user (the state key).
// The newest record per user wins outright; superseded content is dropped.
func (t *Table) Upsert(rec protocol.StateRecord) {
	t.records[rec.StateKey] = rec
}

// Members returns the ordered live member set, excluding the local device.
// A record contributes nothing if it is expired, names a different group
// call, or carries device entries without a device id.
func (t *Table) Members() []Member {
	nowMS := t.now().UnixMilli()
	seen := make(map[Member]struct{})
	var out []Member

	for userID, rec := range t.records {
		content, err := protocol.ParseMemberContent(rec.Content)
		if err != nil {
			continue
		}
		if content.ExpiresTS <= nowMS {
			continue
		}
		for _, call := range content.Calls {
			if call.CallID != t.groupCallID {
				continue
			}
			for _, dev := range call.Devices {
				if dev.DeviceID == "" {
					continue
				}
				if userID == t.localUserID && dev.DeviceID == t.localDeviceID {
					continue
				}
				m := Member{UserID: userID, DeviceID: dev.DeviceID}
				if _, dup := seen[m]; dup {
					continue
				}
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
