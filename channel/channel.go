// Package channel implements the document-scoped presence and broadcast channel: subscribers
// join a topic, track presence metadata, and exchange fire-and-forget broadcast events.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/epbforge/shellsync/collab"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrClosed = errors.New("channel closed")

type EventKind string

const (
	// KindPresenceSync carries the full presence state. It is always the first event a
	// subscriber receives.
	KindPresenceSync  EventKind = "presence_sync"
	KindPresenceJoin  EventKind = "presence_join"
	KindPresenceLeave EventKind = "presence_leave"
	KindBroadcast     EventKind = "broadcast"
)

// Broadcast event names used on shellsync topics.
const (
	EventStateUpdate   = "state_update"
	EventStateRequest  = "state_request"
	EventStateSnapshot = "state_snapshot"
	EventCursor        = "cursor"
	EventSessionEnded  = "session_ended"
	EventLockChanged   = "lock_changed"
)

type Event struct {
	Topic string    `json:"topic"`
	Kind  EventKind `json:"kind"`
	// Name of a broadcast event.
	Name string `json:"event,omitempty"`
	// Sender is the key of the subscriber that published a broadcast, empty for server events.
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Presence is the full state for a sync, or the changed keys for a join/leave.
	Presence map[string]collab.PresenceMeta `json:"presence,omitempty"`
}

// Decode unmarshals the broadcast payload.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Conn is one subscription to one topic. Events are delivered in order per sender; delivery
// is at-most-once and a subscriber that falls behind loses events. The events channel is
// closed when the subscription ends.
type Conn interface {
	Key() string
	Events() <-chan Event
	Track(ctx context.Context, meta collab.PresenceMeta) error
	Untrack(ctx context.Context) error
	Publish(ctx context.Context, event string, payload interface{}) error
	Close() error
}

// Dialer opens subscriptions. *Hub is the in-process Dialer; *WSDialer reaches a remote hub.
type Dialer interface {
	Join(ctx context.Context, topic, key string) (Conn, error)
}

func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

func LocksTopic(documentID string) string {
	return "locks:" + documentID
}

// SessionEndedPayload is broadcast when the host ends a session.
type SessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	EndedBy   string `json:"endedBy,omitempty"`
}

// StateSnapshotPayload answers a state_request. For is the key of the subscriber that asked;
// everyone else ignores it.
type StateSnapshotPayload struct {
	For   string                `json:"for"`
	State collab.WorkspaceState `json:"state"`
}

// LockChangedPayload is broadcast on the locks topic of a document when a lease changes hands.
type LockChangedPayload struct {
	Unit       collab.UnitKey `json:"unit"`
	Lock       *collab.Lock   `json:"lock,omitempty"`
	ReleasedBy string         `json:"releasedBy,omitempty"`
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}
