package room

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultCandidateCacheSize bounds the per-room ICE candidate cache.
const DefaultCandidateCacheSize = 20

// ErrInvalidRoomID is returned when a room key does not match the accepted
// pattern (1-20 alphanumeric characters, case-insensitive).
var ErrInvalidRoomID = errors.New("room: invalid room id")

var roomKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,20}$`)

// MemberID identifies a member for the lifetime of one connection. Host
// identity is compared by value, never by connection pointer.
type MemberID string

func NewMemberID() MemberID {
	return MemberID(uuid.NewString())
}

// NormalizeKey validates a raw room key and returns its canonical
// (lowercased) form, so one spelling cannot split a room.
func NormalizeKey(raw string) (string, error) {
	if !roomKeyPattern.MatchString(raw) {
		return "", ErrInvalidRoomID
	}
	return strings.ToLower(raw), nil
}

// state is the registry's record of one live room.
//
// members preserves insertion order: the oldest surviving member becomes host
// when the current host leaves.
type state struct {
	members    []MemberID
	hostID     MemberID
	offer      json.RawMessage
	candidates []json.RawMessage
}

// Registry is the authoritative mapping from room key to membership, host
// designation and cached signaling state. It is the leaf of the server: it
// never calls out, and all operations are atomic under one mutex.
//
// A room exists iff it has at least one member; it is deleted the moment
// membership reaches zero.
type Registry struct {
	mu            sync.Mutex
	rooms         map[string]*state
	maxCandidates int
}

func NewRegistry(maxCandidates int) *Registry {
	if maxCandidates <= 0 {
		maxCandidates = DefaultCandidateCacheSize
	}
	return &Registry{
		rooms:         make(map[string]*state),
		maxCandidates: maxCandidates,
	}
}

// AdmitResult reports the outcome of a successful admission.
type AdmitResult struct {
	// Key is the normalized room key; all later registry calls for this
	// member must use it.
	Key string

	// IsFirst is true when the member created the room and is therefore host.
	IsFirst bool

	// TotalMembers is the room's member count including the new member.
	TotalMembers int

	// RoomCreated is true when this admission created the room.
	RoomCreated bool
}

// Admit validates rawKey, creates the room if absent and appends the member.
// The first member of a room becomes its host.
func (r *Registry) Admit(rawKey string, id MemberID) (AdmitResult, error) {
	key, err := NormalizeKey(rawKey)
	if err != nil {
		return AdmitResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok {
		st = &state{hostID: id}
		r.rooms[key] = st
	}
	st.members = append(st.members, id)

	return AdmitResult{
		Key:          key,
		IsFirst:      st.hostID == id,
		TotalMembers: len(st.members),
		RoomCreated:  !ok,
	}, nil
}

// RemoveResult reports the outcome of a member removal.
type RemoveResult struct {
	// Removed is false when the member was not in the room (already removed).
	Removed bool

	// WasHost is true when the removed member held the host role.
	WasHost bool

	// HostReassigned is true when the host role moved to NewHostID.
	HostReassigned bool
	NewHostID      MemberID

	// RemainingMembers is the room's member count after removal; zero means
	// the room was deleted.
	RemainingMembers int
}

// Remove takes the member out of its room. An emptied room is deleted along
// with all cached state. If the host leaves while members remain, the role
// passes to the oldest surviving member in join order.
func (r *Registry) Remove(key string, id MemberID) RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok {
		return RemoveResult{}
	}

	idx := -1
	for i, m := range st.members {
		if m == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return RemoveResult{}
	}
	st.members = append(st.members[:idx], st.members[idx+1:]...)

	res := RemoveResult{
		Removed:          true,
		WasHost:          st.hostID == id,
		RemainingMembers: len(st.members),
	}

	if len(st.members) == 0 {
		delete(r.rooms, key)
		return res
	}

	if res.WasHost {
		st.hostID = st.members[0]
		res.HostReassigned = true
		res.NewHostID = st.hostID
	}
	return res
}

// RecordOffer stores envelope as the room's cached offer and drops cached
// candidates: a new offer makes any previously gathered candidates stale.
func (r *Registry) RecordOffer(key string, envelope json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok {
		return
	}
	st.offer = envelope
	st.candidates = nil
}

// RecordCandidate appends envelope to the room's candidate cache, but only
// when the sender is the current host; guest candidates are relayed by the
// caller yet never cached. The cache is FIFO-bounded.
//
// It reports whether the envelope was cached.
func (r *Registry) RecordCandidate(key string, id MemberID, envelope json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok || st.hostID != id {
		return false
	}
	st.candidates = append(st.candidates, envelope)
	if len(st.candidates) > r.maxCandidates {
		st.candidates = st.candidates[len(st.candidates)-r.maxCandidates:]
	}
	return true
}

// ClearSignalState drops the room's cached offer and candidates. Invoked on
// any member disconnect so a reconnecting peer never receives a signal that
// matches an outdated peer connection.
func (r *Registry) ClearSignalState(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.rooms[key]; ok {
		st.offer = nil
		st.candidates = nil
	}
}

// CachedOffer returns the room's cached offer, if any.
func (r *Registry) CachedOffer(key string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok || st.offer == nil {
		return nil, false
	}
	return st.offer, true
}

// CachedCandidates returns a copy of the room's candidate cache in insertion
// order.
func (r *Registry) CachedCandidates(key string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok || len(st.candidates) == 0 {
		return nil
	}
	out := make([]json.RawMessage, len(st.candidates))
	copy(out, st.candidates)
	return out
}

// PeersOf returns the other members of the room in join order, for relay
// fan-out.
func (r *Registry) PeersOf(key string, excluding MemberID) []MemberID {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	if !ok {
		return nil
	}
	peers := make([]MemberID, 0, len(st.members))
	for _, m := range st.members {
		if m != excluding {
			peers = append(peers, m)
		}
	}
	return peers
}

// IsHost reports whether id currently holds the room's host role.
func (r *Registry) IsHost(key string, id MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[key]
	return ok && st.hostID == id
}

// Rooms returns the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
