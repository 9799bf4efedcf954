package board

import (
	"encoding/json"
	"fmt"
)

// Client-to-server message type tags (§6).
const (
	MsgClientReady   = "ClientReady"
	MsgStartSnapshot = "StartSnapshot"
	MsgApplyChange   = "ApplyChange"
	MsgCursorChanged = "CursorChanged"
	MsgCursorLeft    = "CursorLeft"
	MsgPing          = "Ping"
)

// Server-to-client message type tags (§6).
const (
	MsgServerReady        = "ServerReady"
	MsgSnapshotChunk      = "SnapshotChunk"
	MsgSnapshotFinished   = "SnapshotFinished"
	MsgChangeAccepted     = "ChangeAccepted"
	MsgUserJoined         = "UserJoined"
	MsgUserLeft           = "UserLeft"
	MsgUserCursorChanged  = "UserCursorChanged"
	MsgUserCursorLeftType = "UserCursorLeft"
)

// Envelope is the outer shape every frame carries: a type discriminator plus
// the rest of the payload, decoded lazily into the concrete struct once Type
// is known.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeEnvelope reads just the `type` tag, deferring full decode to callers
// who know which concrete struct to use.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return Envelope{Type: e.Type, Raw: data}, nil
}

// --- client -> server payloads ---

type ClientReady struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type StartSnapshot struct {
	Type string `json:"type"`
}

type ApplyChange struct {
	Type   string `json:"type"`
	Change Change `json:"change"`
}

type CursorChanged struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type CursorLeft struct {
	Type string `json:"type"`
}

type Ping struct {
	Type string `json:"type"`
}

// --- server -> client payloads ---

type ServerReady struct {
	Type string `json:"type"`
}

// ObjectEntry is one [id, object] pair inside a SnapshotChunk.
type ObjectEntry struct {
	ID     string
	Object json.RawMessage
}

// MarshalJSON encodes an ObjectEntry as a 2-element array, matching the
// `[[id, object], ...]` wire shape from §6 rather than a JSON object.
func (e ObjectEntry) MarshalJSON() ([]byte, error) {
	pair := [2]json.RawMessage{mustMarshalString(e.ID), e.Object}
	return json.Marshal(pair)
}

// UnmarshalJSON decodes a 2-element [id, object] array back into an ObjectEntry.
func (e *ObjectEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	var id string
	if err := json.Unmarshal(pair[0], &id); err != nil {
		return err
	}
	e.ID = id
	e.Object = pair[1]
	return nil
}

func mustMarshalString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

type SnapshotChunk struct {
	Type    string        `json:"type"`
	Entries []ObjectEntry `json:"entries"`
}

// SnapshotFinished carries the version captured before the snapshot read
// began. Version is nil when the board has never been checkpointed.
type SnapshotFinished struct {
	Type    string  `json:"type"`
	Version *string `json:"version"`
}

type ChangeAccepted struct {
	Type      string `json:"type"`
	Change    Change `json:"change"`
	SessionID string `json:"session_id"`
}

type UserJoined struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

type UserLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type UserCursorChanged struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type UserCursorLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}
