package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/epbforge/shellsync/sqlutil"
	"github.com/epbforge/shellsync/state/migrations"
	"github.com/fxamacker/cbor/v2"
	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	activeDocumentIndex = "shellsync_sessions_active_document_idx"
	activeCodeIndex     = "shellsync_sessions_active_code_idx"
	// attempts at picking an unused join code before giving up
	maxCodeAttempts = 5
)

// Storage is the postgres implementation of collab.SessionStore and collab.LockStore.
type Storage struct {
	SessionsTable     *SessionsTable
	ParticipantsTable *ParticipantsTable
	LocksTable        *LocksTable
	DB                *sqlx.DB

	clock         internal.Clock
	queryDuration *prometheus.HistogramVec
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, false)
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		SessionsTable:     NewSessionsTable(db),
		ParticipantsTable: NewParticipantsTable(db),
		LocksTable:        NewLocksTable(db),
		DB:                db,
	}
	if err := migrations.Up(db.DB); err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to run migrations")
	}
	if addPrometheusMetrics {
		s.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellsync",
			Subsystem: "storage",
			Name:      "query_duration_secs",
			Help:      "Time taken by each store operation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"})
		prometheus.MustRegister(s.queryDuration)
	}
	return s
}

// WithClock replaces the time source used for lease expiry and timestamps.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.clock = now
	return s
}

func (s *Storage) observe(op string, start time.Time) {
	if s.queryDuration == nil {
		return
	}
	s.queryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Storage) FindActiveSession(ctx context.Context, documentID string) (*collab.Session, error) {
	defer s.observe("find_active_session", time.Now())
	row, err := s.SessionsTable.SelectActiveByDocument(documentID)
	if err != nil {
		return nil, fmt.Errorf("FindActiveSession: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return row.toSession()
}

// SessionByID returns the session whether or not it is still active, or nil.
func (s *Storage) SessionByID(ctx context.Context, sessionID string) (*collab.Session, error) {
	row, err := s.SessionsTable.SelectByID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("SessionByID: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return row.toSession()
}

func (s *Storage) FindSessionByCode(ctx context.Context, code string) (*collab.Session, error) {
	defer s.observe("find_session_by_code", time.Now())
	row, err := s.SessionsTable.SelectActiveByCode(collab.NormalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("FindSessionByCode: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return row.toSession()
}

func (s *Storage) CreateSession(ctx context.Context, documentID string, host collab.User, initial collab.WorkspaceState) (*collab.Session, error) {
	defer s.observe("create_session", time.Now())
	stateBytes, err := cbor.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("CreateSession: failed to encode state: %w", err)
	}
	now := s.clock.Now()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		row := &sessionRow{
			SessionID:   ksuid.New().String(),
			SessionCode: collab.NewSessionCode(),
			DocumentID:  documentID,
			HostID:      host.ID,
			HostName:    host.DisplayName,
			HostRank:    host.Rank,
			IsActive:    true,
			State:       stateBytes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
			if err := s.SessionsTable.Insert(txn, row); err != nil {
				return err
			}
			_, err := s.ParticipantsTable.Upsert(txn, participantRow{
				SessionID:   row.SessionID,
				UserID:      host.ID,
				DisplayName: host.DisplayName,
				Rank:        host.Rank,
				IsHost:      true,
				JoinedAt:    now,
			})
			return err
		})
		switch sqlutil.UniqueViolation(err) {
		case "":
			if err != nil {
				return nil, fmt.Errorf("CreateSession: %w", err)
			}
			return row.toSession()
		case activeCodeIndex:
			logger.Warn().Str("doc", documentID).Int("attempt", attempt).Msg("CreateSession: join code collision, retrying")
			continue
		case activeDocumentIndex, "unknown":
			return nil, s.conflict(ctx, documentID)
		default:
			return nil, fmt.Errorf("CreateSession: %w", err)
		}
	}
	return nil, fmt.Errorf("CreateSession: could not allocate a unique session code after %d attempts", maxCodeAttempts)
}

// conflict builds the error for a create that lost to an existing active session.
func (s *Storage) conflict(ctx context.Context, documentID string) error {
	existing, err := s.FindActiveSession(ctx, documentID)
	if err != nil || existing == nil {
		// the winner may already have ended; the caller still lost the race
		return &collab.ConflictError{}
	}
	count, err := s.ParticipantsTable.CountActive(existing.ID)
	if err != nil {
		logger.Warn().Err(err).Str("session", existing.ID).Msg("failed to count participants for conflict")
	}
	return &collab.ConflictError{Existing: existing.Summary(count)}
}

func (s *Storage) DeactivateSession(ctx context.Context, sessionID string) error {
	defer s.observe("deactivate_session", time.Now())
	now := s.clock.Now()
	return sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		ok, err := s.SessionsTable.Deactivate(txn, sessionID, now)
		if err != nil {
			return fmt.Errorf("DeactivateSession: %w", err)
		}
		if !ok {
			return fmt.Errorf("DeactivateSession %s: %w", sessionID, collab.ErrSessionNotFound)
		}
		return s.ParticipantsTable.DeactivateAll(txn, sessionID, now)
	})
}

func (s *Storage) SaveWorkspaceState(ctx context.Context, sessionID string, state collab.WorkspaceState) error {
	defer s.observe("save_workspace_state", time.Now())
	b, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("SaveWorkspaceState: failed to encode state: %w", err)
	}
	ok, err := s.SessionsTable.UpdateState(sessionID, b, s.clock.Now())
	if err != nil {
		return fmt.Errorf("SaveWorkspaceState: %w", err)
	}
	if !ok {
		return fmt.Errorf("SaveWorkspaceState %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	return nil
}

func (s *Storage) AddParticipant(ctx context.Context, sessionID string, user collab.User, isHost bool) (p *collab.Participant, err error) {
	defer s.observe("add_participant", time.Now())
	err = sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) error {
		row, err := s.ParticipantsTable.Upsert(txn, participantRow{
			SessionID:   sessionID,
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			Rank:        user.Rank,
			IsHost:      isHost,
			JoinedAt:    s.clock.Now(),
		})
		if err != nil {
			return err
		}
		participant := row.toParticipant()
		p = &participant
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("AddParticipant: %w", err)
	}
	return p, nil
}

func (s *Storage) ReactivateParticipant(ctx context.Context, sessionID, userID string) (*collab.Participant, error) {
	defer s.observe("reactivate_participant", time.Now())
	row, err := s.ParticipantsTable.Reactivate(sessionID, userID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("ReactivateParticipant: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("ReactivateParticipant %s in %s: %w", userID, sessionID, collab.ErrParticipantNotFound)
	}
	p := row.toParticipant()
	return &p, nil
}

func (s *Storage) DeactivateParticipant(ctx context.Context, sessionID, userID string) error {
	defer s.observe("deactivate_participant", time.Now())
	n, err := s.ParticipantsTable.Deactivate(sessionID, userID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("DeactivateParticipant: %w", err)
	}
	if n == 0 {
		exists, err := s.ParticipantsTable.Exists(sessionID, userID)
		if err != nil {
			return fmt.Errorf("DeactivateParticipant: %w", err)
		}
		if !exists {
			return fmt.Errorf("DeactivateParticipant %s in %s: %w", userID, sessionID, collab.ErrParticipantNotFound)
		}
	}
	return nil
}

func (s *Storage) ListParticipants(ctx context.Context, sessionID string, activeOnly bool) ([]collab.Participant, error) {
	defer s.observe("list_participants", time.Now())
	rows, err := s.ParticipantsTable.Select(sessionID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ListParticipants: %w", err)
	}
	out := make([]collab.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toParticipant())
	}
	return out, nil
}

func (s *Storage) AcquireLock(ctx context.Context, unit collab.UnitKey, holder collab.User, ttl time.Duration) (*collab.AcquireResult, error) {
	defer s.observe("acquire_lock", time.Now())
	now := s.clock.Now()
	row := lockRow{
		ScopeID:    unit.Scope,
		UnitKind:   string(unit.Kind),
		UnitName:   unit.Name,
		HolderID:   holder.ID,
		HolderName: holder.DisplayName,
		HolderRank: holder.Rank,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	granted, err := s.LocksTable.Upsert(row, now)
	if err != nil {
		return nil, fmt.Errorf("AcquireLock %s: %w", unit, err)
	}
	current, err := s.LocksTable.Select(unit, now)
	if err != nil {
		return nil, fmt.Errorf("AcquireLock %s: %w", unit, err)
	}
	if granted {
		if current == nil {
			// released between the upsert and the read; report what we were granted
			current = &row
		}
		l := current.toLock()
		return &collab.AcquireResult{Success: true, Holder: &l}, nil
	}
	if current == nil {
		// the other holder released between the two statements, try once more
		granted, err = s.LocksTable.Upsert(row, now)
		if err != nil {
			return nil, fmt.Errorf("AcquireLock %s: %w", unit, err)
		}
		if granted {
			l := row.toLock()
			return &collab.AcquireResult{Success: true, Holder: &l}, nil
		}
		return &collab.AcquireResult{Success: false}, nil
	}
	l := current.toLock()
	return &collab.AcquireResult{Success: false, LockedBy: l.HolderLabel(), Holder: &l}, nil
}

func (s *Storage) RefreshLock(ctx context.Context, unit collab.UnitKey, holderID string, ttl time.Duration) (bool, error) {
	defer s.observe("refresh_lock", time.Now())
	now := s.clock.Now()
	ok, err := s.LocksTable.Extend(unit, holderID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("RefreshLock %s: %w", unit, err)
	}
	return ok, nil
}

func (s *Storage) ReleaseLock(ctx context.Context, unit collab.UnitKey, holderID string) error {
	defer s.observe("release_lock", time.Now())
	if _, err := s.LocksTable.Delete(unit, holderID); err != nil {
		return fmt.Errorf("ReleaseLock %s: %w", unit, err)
	}
	return nil
}

func (s *Storage) ListLocks(ctx context.Context, scope string) ([]collab.Lock, error) {
	defer s.observe("list_locks", time.Now())
	rows, err := s.LocksTable.SelectValid(scope, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("ListLocks %s: %w", scope, err)
	}
	out := make([]collab.Lock, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLock())
	}
	return out, nil
}

// Cleanup removes leases that expired more than grace ago. Safe to run from any instance.
func (s *Storage) Cleanup(grace time.Duration) error {
	n, err := s.LocksTable.DeleteExpired(s.clock.Now().Add(-grace))
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info().Int64("deleted", n).Msg("removed expired leases")
	}
	return nil
}

func (s *Storage) Teardown() {
	if s.queryDuration != nil {
		prometheus.Unregister(s.queryDuration)
	}
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
