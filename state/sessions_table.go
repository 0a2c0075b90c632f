package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
)

type sessionRow struct {
	SessionID   string    `db:"session_id"`
	SessionCode string    `db:"session_code"`
	DocumentID  string    `db:"document_id"`
	HostID      string    `db:"host_id"`
	HostName    string    `db:"host_name"`
	HostRank    string    `db:"host_rank"`
	IsActive    bool      `db:"is_active"`
	State       []byte    `db:"workspace_state"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *sessionRow) toSession() (*collab.Session, error) {
	s := &collab.Session{
		ID:         r.SessionID,
		Code:       r.SessionCode,
		DocumentID: r.DocumentID,
		HostID:     r.HostID,
		HostName:   r.HostName,
		HostRank:   r.HostRank,
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.State) > 0 {
		if err := cbor.Unmarshal(r.State, &s.WorkspaceState); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SessionsTable stores sessions. The one-active-session-per-document rule is a partial unique
// index added by migrations, so concurrent creates race safely inside postgres.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shellsync_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		session_code TEXT NOT NULL,
		document_id TEXT NOT NULL,
		host_id TEXT NOT NULL,
		host_name TEXT NOT NULL,
		host_rank TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		workspace_state BYTEA,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	`)
	return &SessionsTable{db}
}

func (t *SessionsTable) Insert(txn *sqlx.Tx, row *sessionRow) error {
	_, err := txn.NamedExec(`
	INSERT INTO shellsync_sessions(session_id, session_code, document_id, host_id, host_name, host_rank, is_active, workspace_state, created_at, updated_at)
	VALUES(:session_id, :session_code, :document_id, :host_id, :host_name, :host_rank, :is_active, :workspace_state, :created_at, :updated_at)`, row)
	return err
}

// SelectByID returns nil if the session does not exist.
func (t *SessionsTable) SelectByID(sessionID string) (*sessionRow, error) {
	var row sessionRow
	err := t.db.Get(&row, `SELECT * FROM shellsync_sessions WHERE session_id=$1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &row, err
}

// SelectActiveByDocument returns nil if the document has no active session.
func (t *SessionsTable) SelectActiveByDocument(documentID string) (*sessionRow, error) {
	var row sessionRow
	err := t.db.Get(&row, `SELECT * FROM shellsync_sessions WHERE document_id=$1 AND is_active`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &row, err
}

// SelectActiveByCode returns nil if no active session has this code. Codes are compared case-insensitively.
func (t *SessionsTable) SelectActiveByCode(code string) (*sessionRow, error) {
	var row sessionRow
	err := t.db.Get(&row, `SELECT * FROM shellsync_sessions WHERE upper(session_code)=upper($1) AND is_active`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &row, err
}

// Deactivate marks the session inactive. Returns false if it was not active.
func (t *SessionsTable) Deactivate(txn *sqlx.Tx, sessionID string, now time.Time) (bool, error) {
	res, err := txn.Exec(`UPDATE shellsync_sessions SET is_active=FALSE, updated_at=$2 WHERE session_id=$1 AND is_active`, sessionID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateState overwrites the workspace snapshot of an active session. Returns false if the
// session is not active.
func (t *SessionsTable) UpdateState(sessionID string, state []byte, now time.Time) (bool, error) {
	res, err := t.db.Exec(`UPDATE shellsync_sessions SET workspace_state=$2, updated_at=$3 WHERE session_id=$1 AND is_active`, sessionID, state, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
