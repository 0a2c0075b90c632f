// Package collab holds the data model shared by every shellsync component: sessions,
// participants, the shared workspace state, presence, cursors and lease locks, together with
// the store interfaces the coordination layer runs against.
package collab

import (
	"fmt"
	"strings"
	"time"
)

// User identifies the person behind a client. Identity is established elsewhere; shellsync
// only needs enough of it to label holders and participants.
type User struct {
	ID          string `json:"userId"`
	DisplayName string `json:"displayName"`
	Rank        string `json:"rank"`
}

// Label is the "<rank> <name>" string shown to other users, e.g. "SSgt Jones".
func (u User) Label() string {
	return strings.TrimSpace(u.Rank + " " + u.DisplayName)
}

// Session is a live co-editing session on one document.
type Session struct {
	ID             string         `json:"sessionId"`
	Code           string         `json:"sessionCode"`
	DocumentID     string         `json:"documentId"`
	HostID         string         `json:"hostId"`
	HostName       string         `json:"hostName"`
	HostRank       string         `json:"hostRank"`
	IsActive       bool           `json:"isActive"`
	WorkspaceState WorkspaceState `json:"workspaceState"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Summary projects the session for discovery, with the number of currently joined participants.
func (s *Session) Summary(participantCount int) *SessionSummary {
	return &SessionSummary{
		SessionID:        s.ID,
		SessionCode:      s.Code,
		DocumentID:       s.DocumentID,
		HostID:           s.HostID,
		HostName:         s.HostName,
		HostRank:         s.HostRank,
		ParticipantCount: participantCount,
	}
}

type SessionSummary struct {
	SessionID        string `json:"sessionId"`
	SessionCode      string `json:"sessionCode"`
	DocumentID       string `json:"documentId"`
	HostID           string `json:"hostId"`
	HostName         string `json:"hostName"`
	HostRank         string `json:"hostRank"`
	ParticipantCount int    `json:"participantCount"`
}

func (s SessionSummary) HostLabel() string {
	return strings.TrimSpace(s.HostRank + " " + s.HostName)
}

// Participant is one user's membership of a session. A user who leaves and rejoins reuses
// their record; LeftAt is cleared on reactivation.
type Participant struct {
	SessionID   string     `json:"sessionId"`
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Rank        string     `json:"rank"`
	IsHost      bool       `json:"isHost"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
}

func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// CursorPosition locates a user's caret within the document.
type CursorPosition struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Section string  `json:"section,omitempty"`
	Field   string  `json:"field,omitempty"`
}

// PresenceMeta is what a client tracks on the session channel.
type PresenceMeta struct {
	ParticipantID string          `json:"participantId"`
	DisplayName   string          `json:"displayName"`
	Rank          string          `json:"rank"`
	IsHost        bool            `json:"isHost"`
	Color         string          `json:"color"`
	Cursor        *CursorPosition `json:"cursor,omitempty"`
	OnlineAt      time.Time       `json:"onlineAt"`
}

// PresenceEntry is a participant as seen through the channel's presence state.
type PresenceEntry struct {
	PresenceMeta
	IsOnline bool `json:"isOnline"`
}

// RemoteCursor is the latest cursor broadcast received from another client.
type RemoteCursor struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Rank        string         `json:"rank"`
	Color       string         `json:"color"`
	Position    CursorPosition `json:"position"`
	SentAt      time.Time      `json:"sentAt"`
}

// UnitKind names what a lease protects.
type UnitKind string

const (
	UnitSection UnitKind = "section"
	UnitField   UnitKind = "field"
	UnitLeader  UnitKind = "leader"
)

func (k UnitKind) Valid() bool {
	switch k {
	case UnitSection, UnitField, UnitLeader:
		return true
	}
	return false
}

// UnitKey addresses one lockable unit: a section or field within a document.
type UnitKey struct {
	Scope string   `json:"scope"`
	Kind  UnitKind `json:"kind"`
	Name  string   `json:"name"`
}

func (k UnitKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Scope, k.Kind, k.Name)
}

// Lock is an exclusive, expiring lease on a unit.
type Lock struct {
	Unit       UnitKey   `json:"unit"`
	HolderID   string    `json:"holderId"`
	HolderName string    `json:"holderName"`
	HolderRank string    `json:"holderRank"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Valid reports whether the lease is still held at now. An expired lease is equivalent to no lease.
func (l Lock) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

func (l Lock) HolderLabel() string {
	return strings.TrimSpace(l.HolderRank + " " + l.HolderName)
}

// AcquireResult is returned by every acquire attempt. On failure LockedBy names the current holder.
type AcquireResult struct {
	Success  bool   `json:"success"`
	LockedBy string `json:"lockedBy,omitempty"`
	Holder   *Lock  `json:"holder,omitempty"`
}
