package signaling

import "encoding/json"

// Type discriminates signaling envelopes. Unrecognized types are still
// relayed, never rejected.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"

	// TypeRoomInfo is server-originated; clients never send it.
	TypeRoomInfo Type = "room-info"
)

// Envelope is one parsed signaling frame. Raw is the original payload and is
// what gets relayed; Type is the only field the server reads.
type Envelope struct {
	Type Type
	Raw  json.RawMessage
}

// ParseEnvelope accepts any JSON object. A missing or non-string "type"
// leaves Type empty, which relays fine; non-object payloads are an error and
// are dropped by the caller.
func ParseEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, err
	}

	var t string
	if raw, ok := fields["type"]; ok {
		// A mistyped "type" is not worth dropping the frame over.
		_ = json.Unmarshal(raw, &t)
	}
	return Envelope{Type: Type(t), Raw: data}, nil
}

// RoomInfo is the server-originated envelope sent on membership changes.
//
// NewClientJoined distinguishes "someone else joined" from the initial role
// confirmation, so an established host is never demoted by a fan-out.
type RoomInfo struct {
	Type            Type   `json:"type"`
	RoomID          string `json:"roomId"`
	IsFirst         bool   `json:"isFirst"`
	TotalClients    int    `json:"totalClients"`
	NewClientJoined bool   `json:"newClientJoined,omitempty"`
}

func newRoomInfo(roomID string, isFirst bool, total int, newClientJoined bool) RoomInfo {
	return RoomInfo{
		Type:            TypeRoomInfo,
		RoomID:          roomID,
		IsFirst:         isFirst,
		TotalClients:    total,
		NewClientJoined: newClientJoined,
	}
}
