package membership

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/huddlekit/huddle/internal/protocol"
)

var testClock = func() time.Time { return time.UnixMilli(1_000_000) }

func memberRecord(userID string, expiresTS int64, callID string, deviceIDs ...string) protocol.StateRecord {
	devices := make([]protocol.MemberDevice, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devices = append(devices, protocol.MemberDevice{DeviceID: id})
	}
	content, _ := json.Marshal(protocol.MemberContent{
		ExpiresTS: expiresTS,
		Calls:     []protocol.MemberCall{{CallID: callID, Devices: devices}},
	})
	return protocol.StateRecord{
		RoomID:     "r1",
		RecordType: protocol.RecordTypeCallMember,
		StateKey:   userID,
		Content:    content,
	}
}

func newTestTable() *Table {
	tbl := NewTable("g1", "@alice:a", "ALICEDEV")
	tbl.SetClock(testClock)
	return tbl
}

func TestMembersExcludesExpiredRecords(t *testing.T) {
	tbl := newTestTable()
	tbl.Upsert(memberRecord("@bob:a", 999_999, "g1", "BOBDEV"))

	if got := tbl.Members(); len(got) != 0 {
		t.Fatalf("Members() = %v, want empty for expired record", got)
	}
}

func TestMembersExcludesOtherCallsAndLocalDevice(t *testing.T) {
	tbl := newTestTable()
	tbl.Upsert(memberRecord("@bob:a", 2_000_000, "other", "BOBDEV"))
	tbl.Upsert(memberRecord("@alice:a", 2_000_000, "g1", "ALICEDEV", "ALICEPHONE"))

	got := tbl.Members()
	if len(got) != 1 {
		t.Fatalf("Members() = %v, want only alice's second device", got)
	}
	if got[0] != (Member{UserID: "@alice:a", DeviceID: "ALICEPHONE"}) {
		t.Fatalf("unexpected member: %+v", got[0])
	}
}

func TestMembersSkipsMalformedDeviceEntries(t *testing.T) {
	tbl := newTestTable()
	tbl.Upsert(memberRecord("@bob:a", 2_000_000, "g1", "", "BOBDEV"))

	got := tbl.Members()
	if len(got) != 1 || got[0].DeviceID != "BOBDEV" {
		t.Fatalf("Members() = %v, want single BOBDEV entry", got)
	}
}

func TestMembersDeduplicatesAndOrders(t *testing.T) {
	tbl := newTestTable()
	content, _ := json.Marshal(protocol.MemberContent{
		ExpiresTS: 2_000_000,
		Calls: []protocol.MemberCall{
			{CallID: "g1", Devices: []protocol.MemberDevice{{DeviceID: "D2"}, {DeviceID: "D1"}}},
			{CallID: "g1", Devices: []protocol.MemberDevice{{DeviceID: "D1"}}},
		},
	})
	tbl.Upsert(protocol.StateRecord{RoomID: "r1", RecordType: protocol.RecordTypeCallMember, StateKey: "@carol:a", Content: content})
	tbl.Upsert(memberRecord("@bob:a", 2_000_000, "g1", "BOBDEV"))

	got := tbl.Members()
	want := []Member{
		{UserID: "@bob:a", DeviceID: "BOBDEV"},
		{UserID: "@carol:a", DeviceID: "D1"},
		{UserID: "@carol:a", DeviceID: "D2"},
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Members() = %v, want %v", got, want)
	}
}

func TestUpsertReplacesPreviousRecord(t *testing.T) {
	tbl := newTestTable()
	tbl.Upsert(memberRecord("@bob:a", 2_000_000, "g1", "BOBDEV"))
	tbl.Upsert(memberRecord("@bob:a", 2_000_000, "g1"))

	if got := tbl.Members(); len(got) != 0 {
		t.Fatalf("Members() = %v, want empty after retraction", got)
	}
}
