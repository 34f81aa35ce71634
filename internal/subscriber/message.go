package subscriber

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates subscriber messages on the wire.
type Kind string

const (
	KindSessionStarted Kind = "session.started"
	KindSessionEnded   Kind = "session.ended"
	KindSessionList    Kind = "session.list"
)

// SessionInfo is the subscriber-facing projection of a gateway session.
type SessionInfo struct {
	AssociationID  uuid.UUID `json:"associationId"`
	StartTimestamp time.Time `json:"startTimestamp"`
}

// Message is one subscriber notification. Use the constructors; they pick
// the timestamp the wire format expects.
type Message struct {
	Timestamp   time.Time
	Kind        Kind
	Session     *SessionInfo
	SessionList []SessionInfo
}

// MarshalJSON inlines the payload next to timestamp and kind.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Kind == KindSessionList {
		list := m.SessionList
		if list == nil {
			list = []SessionInfo{}
		}
		return json.Marshal(struct {
			Timestamp   time.Time     `json:"timestamp"`
			Kind        Kind          `json:"kind"`
			SessionList []SessionInfo `json:"session_list"`
		}{m.Timestamp, m.Kind, list})
	}
	return json.Marshal(struct {
		Timestamp time.Time    `json:"timestamp"`
		Kind      Kind         `json:"kind"`
		Session   *SessionInfo `json:"session,omitempty"`
	}{m.Timestamp, m.Kind, m.Session})
}

// SessionStarted reports a new session; its timestamp is the session start.
func SessionStarted(s SessionInfo) Message {
	return Message{Timestamp: s.StartTimestamp.UTC(), Kind: KindSessionStarted, Session: &s}
}

func SessionEnded(s SessionInfo) Message {
	return Message{Timestamp: time.Now().UTC(), Kind: KindSessionEnded, Session: &s}
}

func SessionList(list []SessionInfo) Message {
	return Message{Timestamp: time.Now().UTC(), Kind: KindSessionList, SessionList: list}
}

// NewChannel creates the shared event channel. Producers block once the
// buffer is full; the dispatcher drains it quickly.
func NewChannel() chan Message {
	return make(chan Message, 64)
}
