package collab

import (
	"encoding/json"
	"strings"
	"time"
)

// Request and response bodies exchanged with the HTTP API. Every request is validated at the
// boundary before it reaches a store.

// Machine readable error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeSessionConflict     = "SESSION_CONFLICT"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeParticipantNotFound = "PARTICIPANT_NOT_FOUND"
	CodeNotHost             = "NOT_HOST"
	CodeInternal            = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response. Details is a *SessionSummary for
// CodeSessionConflict and a ValidationError for CodeInvalidRequest.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// SessionResponse wraps lookups that may find nothing; Session is null then.
type SessionResponse struct {
	Session *Session `json:"session"`
}

type CreateSessionRequest struct {
	DocumentID   string         `json:"documentId"`
	Host         User           `json:"host"`
	InitialState WorkspaceState `json:"initialState"`
}

func (r *CreateSessionRequest) Validate() error {
	if strings.TrimSpace(r.DocumentID) == "" {
		return invalid("documentId", "is required")
	}
	return validateUser("host", r.Host)
}

// DeactivateSessionRequest ends a session. Only the host may end it.
type DeactivateSessionRequest struct {
	HostID string `json:"hostId"`
}

func (r *DeactivateSessionRequest) Validate() error {
	if strings.TrimSpace(r.HostID) == "" {
		return invalid("hostId", "is required")
	}
	return nil
}

type AddParticipantRequest struct {
	User   User `json:"user"`
	IsHost bool `json:"isHost"`
}

func (r *AddParticipantRequest) Validate() error {
	return validateUser("user", r.User)
}

type SaveStateRequest struct {
	State WorkspaceState `json:"state"`
}

func (r *SaveStateRequest) Validate() error {
	if r.State.ActiveSection != nil && *r.State.ActiveSection == "" {
		return invalid("state.activeSection", "must be null or a section key")
	}
	return nil
}

type ParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}

type AcquireLockRequest struct {
	Unit       UnitKey `json:"unit"`
	Holder     User    `json:"holder"`
	TTLSeconds float64 `json:"ttlSeconds"`
}

func (r *AcquireLockRequest) Validate() error {
	if err := validateUnit(r.Unit); err != nil {
		return err
	}
	if r.TTLSeconds <= 0 {
		return invalid("ttlSeconds", "must be positive")
	}
	return validateUser("holder", r.Holder)
}

func (r *AcquireLockRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds * float64(time.Second))
}

type RefreshLockRequest struct {
	Unit       UnitKey `json:"unit"`
	HolderID   string  `json:"holderId"`
	TTLSeconds float64 `json:"ttlSeconds"`
}

func (r *RefreshLockRequest) Validate() error {
	if err := validateUnit(r.Unit); err != nil {
		return err
	}
	if r.HolderID == "" {
		return invalid("holderId", "is required")
	}
	if r.TTLSeconds <= 0 {
		return invalid("ttlSeconds", "must be positive")
	}
	return nil
}

func (r *RefreshLockRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds * float64(time.Second))
}

type RefreshLockResponse struct {
	Refreshed bool `json:"refreshed"`
}

type ReleaseLockRequest struct {
	Unit     UnitKey `json:"unit"`
	HolderID string  `json:"holderId"`
}

func (r *ReleaseLockRequest) Validate() error {
	if err := validateUnit(r.Unit); err != nil {
		return err
	}
	if r.HolderID == "" {
		return invalid("holderId", "is required")
	}
	return nil
}

type ListLocksResponse struct {
	Locks []Lock `json:"locks"`
}

func validateUser(field string, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return invalid(field+".userId", "is required")
	}
	return nil
}

func validateUnit(u UnitKey) error {
	if u.Scope == "" {
		return invalid("unit.scope", "is required")
	}
	if !u.Kind.Valid() {
		return invalid("unit.kind", "must be section, field or leader")
	}
	if u.Name == "" {
		return invalid("unit.name", "is required")
	}
	return nil
}
