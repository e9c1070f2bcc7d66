package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/credfleet/internal/model"
)

// AttemptHistoryStorage is the audit trail of fleet attempts
type AttemptHistoryStorage interface {
	// Store stores one attempt record
	Store(ctx context.Context, rec *model.AttemptRecord) error

	// Get retrieves an attempt record by ID, or nil when it does not exist
	Get(ctx context.Context, id string) (*model.AttemptRecord, error)

	// ListByRun retrieves every attempt of a run in agent order
	ListByRun(ctx context.Context, runID string) ([]*model.AttemptRecord, error)

	// ListBySubtask retrieves the attempts of one subtask in agent order
	ListBySubtask(ctx context.Context, runID, subtaskID string) ([]*model.AttemptRecord, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteAttemptHistory implements AttemptHistoryStorage using SQLite
type SQLiteAttemptHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteAttemptHistory opens or creates the audit database at dbPath
func NewSQLiteAttemptHistory(logger *zap.Logger, dbPath string) (*SQLiteAttemptHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// workers write concurrently; sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	storage := &SQLiteAttemptHistory{
		logger: logger.Named("attempt-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteAttemptHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS attempt_history (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			subtask_id TEXT NOT NULL,
			agent_id INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			provider TEXT NOT NULL,
			account_id TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			error TEXT,
			latency_ms INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_attempt_history_run_id ON attempt_history(run_id);
		CREATE INDEX IF NOT EXISTS idx_attempt_history_subtask ON attempt_history(run_id, subtask_id);
		CREATE INDEX IF NOT EXISTS idx_attempt_history_account ON attempt_history(provider, account_id);
		CREATE INDEX IF NOT EXISTS idx_attempt_history_started_at ON attempt_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements AttemptHistoryStorage.Store
func (s *SQLiteAttemptHistory) Store(ctx context.Context, rec *model.AttemptRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_history (
			id, run_id, subtask_id, agent_id, attempt, provider, account_id,
			status, reason, error, latency_ms, tokens, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RunID,
		rec.SubtaskID,
		int64(rec.AgentID),
		rec.Attempt,
		string(rec.Provider),
		sql.NullString{String: rec.AccountID, Valid: rec.AccountID != ""},
		string(rec.Status),
		sql.NullString{String: string(rec.Reason), Valid: rec.Reason != ""},
		sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		rec.LatencyMs,
		rec.Tokens,
		rec.StartedAt.UTC(),
		rec.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store attempt history: %w", err)
	}
	return nil
}

const selectColumns = `SELECT
	id, run_id, subtask_id, agent_id, attempt, provider, account_id,
	status, reason, error, latency_ms, tokens, started_at, completed_at
FROM attempt_history`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.AttemptRecord, error) {
	var (
		rec                       model.AttemptRecord
		agentID                   int64
		provider, status          string
		accountID, reason, errStr sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.SubtaskID,
		&agentID,
		&rec.Attempt,
		&provider,
		&accountID,
		&status,
		&reason,
		&errStr,
		&rec.LatencyMs,
		&rec.Tokens,
		&rec.StartedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.AgentID = uint64(agentID)
	rec.Provider = model.Provider(provider)
	rec.Status = model.OutcomeKind(status)
	rec.AccountID = accountID.String
	rec.Reason = model.FailureReason(reason.String)
	rec.Error = errStr.String
	return &rec, nil
}

// Get implements AttemptHistoryStorage.Get
func (s *SQLiteAttemptHistory) Get(ctx context.Context, id string) (*model.AttemptRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan attempt history: %w", err)
	}
	return rec, nil
}

// ListByRun implements AttemptHistoryStorage.ListByRun
func (s *SQLiteAttemptHistory) ListByRun(ctx context.Context, runID string) ([]*model.AttemptRecord, error) {
	return s.list(ctx, selectColumns+" WHERE run_id = ? ORDER BY agent_id", runID)
}

// ListBySubtask implements AttemptHistoryStorage.ListBySubtask
func (s *SQLiteAttemptHistory) ListBySubtask(ctx context.Context, runID, subtaskID string) ([]*model.AttemptRecord, error) {
	return s.list(ctx, selectColumns+" WHERE run_id = ? AND subtask_id = ? ORDER BY agent_id", runID, subtaskID)
}

func (s *SQLiteAttemptHistory) list(ctx context.Context, query string, args ...interface{}) ([]*model.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt history: %w", err)
	}
	defer rows.Close()

	var records []*model.AttemptRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt history: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// DeleteBefore implements AttemptHistoryStorage.DeleteBefore
func (s *SQLiteAttemptHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM attempt_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete attempt history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old attempt history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteAttemptHistory) Close() error {
	return s.db.Close()
}
