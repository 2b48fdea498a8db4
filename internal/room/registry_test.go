package room

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "abc123", want: "abc123"},
		{raw: "ABC123", want: "abc123"},
		{raw: "a", want: "a"},
		{raw: "12345678901234567890", want: "12345678901234567890"},
		{raw: "", wantErr: true},
		{raw: "123456789012345678901", wantErr: true},
		{raw: "room-1", wantErr: true},
		{raw: "room 1", wantErr: true},
		{raw: "каюта", wantErr: true},
		{raw: "../etc", wantErr: true},
	}

	for _, tc := range cases {
		got, err := NormalizeKey(tc.raw)
		if tc.wantErr {
			if err != ErrInvalidRoomID {
				t.Errorf("NormalizeKey(%q) err=%v, want ErrInvalidRoomID", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeKey(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeKey(%q)=%q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestAdmit_InvalidKeyCreatesNoRoom(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.Admit("not a room!", NewMemberID()); err != ErrInvalidRoomID {
		t.Fatalf("err=%v, want ErrInvalidRoomID", err)
	}
	if n := r.Rooms(); n != 0 {
		t.Fatalf("rooms=%d, want 0", n)
	}
}

func TestAdmit_FirstMemberIsHost(t *testing.T) {
	r := NewRegistry(0)
	first := NewMemberID()
	second := NewMemberID()

	res, err := r.Admit("abc123", first)
	if err != nil {
		t.Fatalf("admit first: %v", err)
	}
	if !res.IsFirst || res.TotalMembers != 1 || !res.RoomCreated {
		t.Fatalf("first admit=%+v, want IsFirst TotalMembers=1 RoomCreated", res)
	}

	res, err = r.Admit("ABC123", second)
	if err != nil {
		t.Fatalf("admit second: %v", err)
	}
	if res.IsFirst || res.TotalMembers != 2 || res.RoomCreated {
		t.Fatalf("second admit=%+v, want guest TotalMembers=2", res)
	}
	if res.Key != "abc123" {
		t.Fatalf("key=%q, want normalized %q", res.Key, "abc123")
	}
	if !r.IsHost("abc123", first) || r.IsHost("abc123", second) {
		t.Fatalf("host designation wrong after two admits")
	}
}

func TestRemove_HostReassignsToOldestSurvivor(t *testing.T) {
	r := NewRegistry(0)
	a, b, c := NewMemberID(), NewMemberID(), NewMemberID()
	for _, id := range []MemberID{a, b, c} {
		if _, err := r.Admit("abc", id); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	res := r.Remove("abc", a)
	if !res.Removed || !res.WasHost {
		t.Fatalf("remove host=%+v, want Removed WasHost", res)
	}
	if !res.HostReassigned || res.NewHostID != b {
		t.Fatalf("remove host=%+v, want reassignment to next-oldest", res)
	}
	if res.RemainingMembers != 2 {
		t.Fatalf("remaining=%d, want 2", res.RemainingMembers)
	}
	if !r.IsHost("abc", b) {
		t.Fatalf("expected b to be host after reassignment")
	}

	// The promoted host leaving hands the role further down in join order.
	res = r.Remove("abc", b)
	if !res.HostReassigned || res.NewHostID != c {
		t.Fatalf("second remove=%+v, want reassignment to c", res)
	}
}

func TestRemove_EmptyRoomIsDeletedWithState(t *testing.T) {
	r := NewRegistry(0)
	id := NewMemberID()
	if _, err := r.Admit("abc", id); err != nil {
		t.Fatalf("admit: %v", err)
	}
	r.RecordOffer("abc", json.RawMessage(`{"type":"offer"}`))

	res := r.Remove("abc", id)
	if !res.Removed || res.RemainingMembers != 0 {
		t.Fatalf("remove=%+v, want empty room", res)
	}
	if n := r.Rooms(); n != 0 {
		t.Fatalf("rooms=%d, want 0", n)
	}

	// Re-creating the room must start from a clean slate.
	if _, err := r.Admit("abc", NewMemberID()); err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if _, ok := r.CachedOffer("abc"); ok {
		t.Fatalf("cached offer survived room deletion")
	}
}

func TestRemove_UnknownMemberIsNoOp(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.Admit("abc", NewMemberID()); err != nil {
		t.Fatalf("admit: %v", err)
	}

	res := r.Remove("abc", NewMemberID())
	if res.Removed {
		t.Fatalf("remove=%+v, want no-op", res)
	}
	res = r.Remove("missing", NewMemberID())
	if res.Removed {
		t.Fatalf("remove from missing room=%+v, want no-op", res)
	}
}

func TestRecordOffer_OverwritesAndClearsCandidates(t *testing.T) {
	r := NewRegistry(0)
	host := NewMemberID()
	if _, err := r.Admit("abc", host); err != nil {
		t.Fatalf("admit: %v", err)
	}

	r.RecordOffer("abc", json.RawMessage(`{"type":"offer","sdp":"one"}`))
	if !r.RecordCandidate("abc", host, json.RawMessage(`{"type":"candidate"}`)) {
		t.Fatalf("host candidate not cached")
	}

	r.RecordOffer("abc", json.RawMessage(`{"type":"offer","sdp":"two"}`))

	offer, ok := r.CachedOffer("abc")
	if !ok || string(offer) != `{"type":"offer","sdp":"two"}` {
		t.Fatalf("cached offer=%s, want second offer", offer)
	}
	if got := r.CachedCandidates("abc"); got != nil {
		t.Fatalf("candidates=%v, want cleared by new offer", got)
	}
}

func TestRecordCandidate_GuestNeverCached(t *testing.T) {
	r := NewRegistry(0)
	host, guest := NewMemberID(), NewMemberID()
	if _, err := r.Admit("abc", host); err != nil {
		t.Fatalf("admit host: %v", err)
	}
	if _, err := r.Admit("abc", guest); err != nil {
		t.Fatalf("admit guest: %v", err)
	}

	if r.RecordCandidate("abc", guest, json.RawMessage(`{}`)) {
		t.Fatalf("guest candidate was cached")
	}
	if got := r.CachedCandidates("abc"); got != nil {
		t.Fatalf("candidates=%v, want none", got)
	}
}

func TestRecordCandidate_FIFOEviction(t *testing.T) {
	r := NewRegistry(0)
	host := NewMemberID()
	if _, err := r.Admit("abc", host); err != nil {
		t.Fatalf("admit: %v", err)
	}

	for i := 0; i < DefaultCandidateCacheSize+1; i++ {
		env := json.RawMessage(fmt.Sprintf(`{"type":"candidate","n":%d}`, i))
		if !r.RecordCandidate("abc", host, env) {
			t.Fatalf("candidate %d not cached", i)
		}
	}

	got := r.CachedCandidates("abc")
	if len(got) != DefaultCandidateCacheSize {
		t.Fatalf("cache size=%d, want %d", len(got), DefaultCandidateCacheSize)
	}
	if string(got[0]) != `{"type":"candidate","n":1}` {
		t.Fatalf("oldest entry=%s, want n=1 after eviction", got[0])
	}
	if string(got[len(got)-1]) != fmt.Sprintf(`{"type":"candidate","n":%d}`, DefaultCandidateCacheSize) {
		t.Fatalf("newest entry=%s", got[len(got)-1])
	}
}

func TestClearSignalState(t *testing.T) {
	r := NewRegistry(0)
	host := NewMemberID()
	if _, err := r.Admit("abc", host); err != nil {
		t.Fatalf("admit: %v", err)
	}
	r.RecordOffer("abc", json.RawMessage(`{"type":"offer"}`))
	r.RecordCandidate("abc", host, json.RawMessage(`{"type":"candidate"}`))

	r.ClearSignalState("abc")

	if _, ok := r.CachedOffer("abc"); ok {
		t.Fatalf("offer survived clear")
	}
	if got := r.CachedCandidates("abc"); got != nil {
		t.Fatalf("candidates=%v, want cleared", got)
	}
}

func TestPeersOf(t *testing.T) {
	r := NewRegistry(0)
	a, b, c := NewMemberID(), NewMemberID(), NewMemberID()
	for _, id := range []MemberID{a, b, c} {
		if _, err := r.Admit("abc", id); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	peers := r.PeersOf("abc", a)
	if len(peers) != 2 || peers[0] != b || peers[1] != c {
		t.Fatalf("peers=%v, want [b c] in join order", peers)
	}
	if got := r.PeersOf("missing", a); got != nil {
		t.Fatalf("peers of missing room=%v, want nil", got)
	}
}
