package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/jmoiron/sqlx"
)

type participantRow struct {
	SessionID   string       `db:"session_id"`
	UserID      string       `db:"user_id"`
	DisplayName string       `db:"display_name"`
	Rank        string       `db:"user_rank"`
	IsHost      bool         `db:"is_host"`
	JoinedAt    time.Time    `db:"joined_at"`
	LeftAt      sql.NullTime `db:"left_at"`
}

func (r participantRow) toParticipant() collab.Participant {
	p := collab.Participant{
		SessionID:   r.SessionID,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Rank:        r.Rank,
		IsHost:      r.IsHost,
		JoinedAt:    r.JoinedAt,
	}
	if r.LeftAt.Valid {
		left := r.LeftAt.Time
		p.LeftAt = &left
	}
	return p
}

// ParticipantsTable has one row per (session, user). Leaving sets left_at, rejoining clears it.
type ParticipantsTable struct {
	db *sqlx.DB
}

func NewParticipantsTable(db *sqlx.DB) *ParticipantsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shellsync_participants (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		user_rank TEXT NOT NULL,
		is_host BOOLEAN NOT NULL,
		joined_at TIMESTAMP WITH TIME ZONE NOT NULL,
		left_at TIMESTAMP WITH TIME ZONE,
		UNIQUE(session_id, user_id)
	);
	`)
	return &ParticipantsTable{db}
}

// Upsert inserts the participant or reactivates the existing row for this user.
func (t *ParticipantsTable) Upsert(txn *sqlx.Tx, row participantRow) (*participantRow, error) {
	var out participantRow
	err := txn.Get(&out, `
	INSERT INTO shellsync_participants(session_id, user_id, display_name, user_rank, is_host, joined_at, left_at)
	VALUES($1, $2, $3, $4, $5, $6, NULL)
	ON CONFLICT (session_id, user_id) DO UPDATE SET
		display_name=EXCLUDED.display_name, user_rank=EXCLUDED.user_rank,
		is_host=shellsync_participants.is_host OR EXCLUDED.is_host,
		joined_at=EXCLUDED.joined_at, left_at=NULL
	RETURNING *`, row.SessionID, row.UserID, row.DisplayName, row.Rank, row.IsHost, row.JoinedAt)
	return &out, err
}

// Reactivate clears left_at. Returns nil if the participant does not exist.
func (t *ParticipantsTable) Reactivate(sessionID, userID string, now time.Time) (*participantRow, error) {
	var out participantRow
	err := t.db.Get(&out, `
	UPDATE shellsync_participants SET left_at=NULL, joined_at=$3
	WHERE session_id=$1 AND user_id=$2 RETURNING *`, sessionID, userID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &out, err
}

// Deactivate marks the participant as left. Already-left participants are untouched.
func (t *ParticipantsTable) Deactivate(sessionID, userID string, now time.Time) (int64, error) {
	res, err := t.db.Exec(`UPDATE shellsync_participants SET left_at=$3 WHERE session_id=$1 AND user_id=$2 AND left_at IS NULL`, sessionID, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeactivateAll marks every joined participant of the session as left.
func (t *ParticipantsTable) DeactivateAll(txn *sqlx.Tx, sessionID string, now time.Time) error {
	_, err := txn.Exec(`UPDATE shellsync_participants SET left_at=$2 WHERE session_id=$1 AND left_at IS NULL`, sessionID, now)
	return err
}

func (t *ParticipantsTable) Exists(sessionID, userID string) (bool, error) {
	var exists bool
	err := t.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM shellsync_participants WHERE session_id=$1 AND user_id=$2)`, sessionID, userID).Scan(&exists)
	return exists, err
}

func (t *ParticipantsTable) Select(sessionID string, activeOnly bool) ([]participantRow, error) {
	var rows []participantRow
	query := `SELECT * FROM shellsync_participants WHERE session_id=$1`
	if activeOnly {
		query += ` AND left_at IS NULL`
	}
	err := t.db.Select(&rows, query+` ORDER BY joined_at ASC`, sessionID)
	return rows, err
}

func (t *ParticipantsTable) CountActive(sessionID string) (int, error) {
	var n int
	err := t.db.Get(&n, `SELECT count(*) FROM shellsync_participants WHERE session_id=$1 AND left_at IS NULL`, sessionID)
	return n, err
}
