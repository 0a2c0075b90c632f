package state

import (
	"database/sql"
	"errors"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/jmoiron/sqlx"
)

type lockRow struct {
	ScopeID    string    `db:"scope_id"`
	UnitKind   string    `db:"unit_kind"`
	UnitName   string    `db:"unit_name"`
	HolderID   string    `db:"holder_id"`
	HolderName string    `db:"holder_name"`
	HolderRank string    `db:"holder_rank"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

func (r lockRow) toLock() collab.Lock {
	return collab.Lock{
		Unit: collab.UnitKey{
			Scope: r.ScopeID,
			Kind:  collab.UnitKind(r.UnitKind),
			Name:  r.UnitName,
		},
		HolderID:   r.HolderID,
		HolderName: r.HolderName,
		HolderRank: r.HolderRank,
		AcquiredAt: r.AcquiredAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

// LocksTable stores one lease row per unit. Expired rows are left in place and overwritten by
// the next acquire; they are invisible to reads.
type LocksTable struct {
	db *sqlx.DB
}

func NewLocksTable(db *sqlx.DB) *LocksTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shellsync_locks (
		scope_id TEXT NOT NULL,
		unit_kind TEXT NOT NULL,
		unit_name TEXT NOT NULL,
		holder_id TEXT NOT NULL,
		holder_name TEXT NOT NULL,
		holder_rank TEXT NOT NULL,
		acquired_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY(scope_id, unit_kind, unit_name)
	);
	`)
	return &LocksTable{db}
}

// Upsert grants the lease to row's holder if the unit is free, expired, or already held by
// them. The row lock taken by ON CONFLICT serialises concurrent acquires for one unit.
// Returns false if someone else holds a valid lease.
func (t *LocksTable) Upsert(row lockRow, now time.Time) (bool, error) {
	var holder string
	err := t.db.Get(&holder, `
	INSERT INTO shellsync_locks(scope_id, unit_kind, unit_name, holder_id, holder_name, holder_rank, acquired_at, expires_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (scope_id, unit_kind, unit_name) DO UPDATE SET
		holder_id=EXCLUDED.holder_id, holder_name=EXCLUDED.holder_name, holder_rank=EXCLUDED.holder_rank,
		acquired_at=CASE WHEN shellsync_locks.holder_id=EXCLUDED.holder_id AND shellsync_locks.expires_at > $9
			THEN shellsync_locks.acquired_at ELSE EXCLUDED.acquired_at END,
		expires_at=EXCLUDED.expires_at
	WHERE shellsync_locks.holder_id=EXCLUDED.holder_id OR shellsync_locks.expires_at <= $9
	RETURNING holder_id`,
		row.ScopeID, row.UnitKind, row.UnitName, row.HolderID, row.HolderName, row.HolderRank, row.AcquiredAt, row.ExpiresAt, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == row.HolderID, nil
}

// Select returns the lease on the unit if it is valid at now, else nil.
func (t *LocksTable) Select(unit collab.UnitKey, now time.Time) (*lockRow, error) {
	var row lockRow
	err := t.db.Get(&row, `SELECT * FROM shellsync_locks WHERE scope_id=$1 AND unit_kind=$2 AND unit_name=$3 AND expires_at > $4`,
		unit.Scope, string(unit.Kind), unit.Name, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &row, err
}

// Extend pushes out the expiry of a valid lease held by holderID. Returns false if the lease was lost.
func (t *LocksTable) Extend(unit collab.UnitKey, holderID string, now, expiresAt time.Time) (bool, error) {
	res, err := t.db.Exec(`UPDATE shellsync_locks SET expires_at=$5
	WHERE scope_id=$1 AND unit_kind=$2 AND unit_name=$3 AND holder_id=$4 AND expires_at > $6`,
		unit.Scope, string(unit.Kind), unit.Name, holderID, expiresAt, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Delete removes the lease if holderID holds it. Returns whether a row was removed.
func (t *LocksTable) Delete(unit collab.UnitKey, holderID string) (bool, error) {
	res, err := t.db.Exec(`DELETE FROM shellsync_locks WHERE scope_id=$1 AND unit_kind=$2 AND unit_name=$3 AND holder_id=$4`,
		unit.Scope, string(unit.Kind), unit.Name, holderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SelectValid returns every lease in scope that is valid at now.
func (t *LocksTable) SelectValid(scope string, now time.Time) ([]lockRow, error) {
	var rows []lockRow
	err := t.db.Select(&rows, `SELECT * FROM shellsync_locks WHERE scope_id=$1 AND expires_at > $2 ORDER BY unit_kind, unit_name`, scope, now)
	return rows, err
}

// DeleteExpired garbage collects leases that expired before the boundary.
func (t *LocksTable) DeleteExpired(boundary time.Time) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM shellsync_locks WHERE expires_at <= $1`, boundary)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
