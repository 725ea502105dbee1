package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"racesync/internal/database/migrations"
	"racesync/internal/station"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements station.Store on SQLite. Timestamps are stored as
// unix nanoseconds.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock station.Clock
}

var _ station.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the station database at path (":memory:" for an
// in-memory database). The schema is not touched; call Migrate or CheckMigrations.
func NewSQLiteStore(path string, clock station.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreFromDB(db, path, clock), nil
}

// NewSQLiteStoreFromDB wraps an open connection.
func NewSQLiteStoreFromDB(db *sql.DB, path string, clock station.Clock) *SQLiteStore {
	if clock == nil {
		clock = station.RealClock{}
	}
	return &SQLiteStore{db: db, path: path, clock: clock}
}

// OpenConnection opens a SQLite connection configured for the station store.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: ":memory:" databases are per-connection, and the
	// station is a single writer anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Queue operations

const operationColumns = `seq, id, station_id, runner_id, checkpoint_id, local_at, recorded_at,
	created_at, attempts, status, offset_ms, next_attempt_at, last_error`

func (s *SQLiteStore) AppendOperation(op *station.QueuedOperation) error {
	res, err := s.db.ExecContext(context.Background(), `
		INSERT INTO queued_operations
			(id, station_id, runner_id, checkpoint_id, local_at, recorded_at,
			 created_at, attempts, status, offset_ms, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.Payload.StationID,
		op.Payload.RunnerID,
		op.Payload.CheckpointID,
		toNanos(op.Payload.LocalAt),
		toNanos(op.Payload.RecordedAt),
		toNanos(op.CreatedAt),
		op.Attempts,
		string(op.Status),
		op.OffsetMillis,
		toNanos(op.NextAttemptAt),
		op.LastError,
	)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading operation seq: %w", err)
	}
	op.Seq = seq
	return nil
}

func (s *SQLiteStore) ListOperations() ([]*station.QueuedOperation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT `+operationColumns+` FROM queued_operations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*station.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) FindOperation(id string) (*station.QueuedOperation, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT `+operationColumns+` FROM queued_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return op, nil
}

func (s *SQLiteStore) UpdateOperation(op *station.QueuedOperation) error {
	res, err := s.db.ExecContext(context.Background(), `
		UPDATE queued_operations
		SET attempts = ?, status = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		op.Attempts, string(op.Status), toNanos(op.NextAttemptAt), op.LastError, op.ID)
	if err != nil {
		return fmt.Errorf("updating operation: %w", err)
	}
	return expectOneRow(res, op.ID)
}

func (s *SQLiteStore) DeleteOperation(id string) error {
	res, err := s.db.ExecContext(context.Background(), `DELETE FROM queued_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting operation: %w", err)
	}
	return expectOneRow(res, id)
}

func (s *SQLiteStore) ResetSyncing() (int, error) {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE queued_operations SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("resetting syncing operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting syncing operations: %w", err)
	}
	return int(n), nil
}

// Journal operations

func (s *SQLiteStore) ResolveOperation(op *station.QueuedOperation, status station.OperationStatus, at time.Time) error {
	if status != station.StatusCommitted && status != station.StatusSkipped {
		return fmt.Errorf("cannot journal operation with status %q", status)
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal
			(operation_id, station_id, runner_id, checkpoint_id, local_at, recorded_at,
			 offset_ms, attempts, status, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.Payload.StationID,
		op.Payload.RunnerID,
		op.Payload.CheckpointID,
		toNanos(op.Payload.LocalAt),
		toNanos(op.Payload.RecordedAt),
		op.OffsetMillis,
		op.Attempts,
		string(status),
		toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM queued_operations WHERE id = ?`, op.ID)
	if err != nil {
		return fmt.Errorf("removing operation from queue: %w", err)
	}
	if err := expectOneRow(res, op.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJournal(limit int) ([]*station.JournalEntry, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT seq, operation_id, station_id, runner_id, checkpoint_id, local_at, recorded_at,
			offset_ms, attempts, status, resolved_at
		FROM journal
		ORDER BY seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	defer rows.Close()

	var entries []*station.JournalEntry
	for rows.Next() {
		var (
			e                               station.JournalEntry
			localAt, recordedAt, resolvedAt int64
			status                          string
		)
		if err := rows.Scan(&e.Seq, &e.OperationID, &e.Payload.StationID, &e.Payload.RunnerID,
			&e.Payload.CheckpointID, &localAt, &recordedAt, &e.OffsetMillis, &e.Attempts,
			&status, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.Payload.LocalAt = fromNanos(localAt)
		e.Payload.RecordedAt = fromNanos(recordedAt)
		e.ResolvedAt = fromNanos(resolvedAt)
		e.Status = station.OperationStatus(status)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) MaxJournalSeq() (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(context.Background(),
		`SELECT COALESCE(MAX(seq), 0) FROM journal`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("getting max journal seq: %w", err)
	}
	return seq, nil
}

// Operation history

func (s *SQLiteStore) CreateStationOperation(operation string, parameters string) (*station.OperationRecord, error) {
	started := s.clock.Now()
	res, err := s.db.ExecContext(context.Background(), `
		INSERT INTO station_operations (operation, parameters, started_at, status)
		VALUES (?, ?, ?, 'running')`,
		operation, parameters, toNanos(started))
	if err != nil {
		return nil, fmt.Errorf("creating station operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading station operation id: %w", err)
	}
	return &station.OperationRecord{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  started,
		Status:     "running",
	}, nil
}

func (s *SQLiteStore) FinishStationOperation(id int64, status string) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE station_operations SET finished_at = ?, status = ? WHERE id = ?`,
		toNanos(s.clock.Now()), status, id)
	if err != nil {
		return fmt.Errorf("finishing station operation: %w", err)
	}
	return expectOneRow(res, fmt.Sprint(id))
}

func (s *SQLiteStore) ListStationOperations(limit int) ([]*station.OperationRecord, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT id, operation, parameters, started_at, finished_at, status
		FROM station_operations
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing station operations: %w", err)
	}
	defer rows.Close()

	var records []*station.OperationRecord
	for rows.Next() {
		var (
			r        station.OperationRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Operation, &r.Parameters, &started, &finished, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning station operation: %w", err)
		}
		r.StartedAt = fromNanos(started)
		if finished.Valid {
			r.FinishedAt = sql.NullTime{Time: fromNanos(finished.Int64), Valid: true}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing station operations: %w", err)
	}
	return records, nil
}

// Maintenance

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Migrate brings the schema to the latest version.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations returns an error unless the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*station.QueuedOperation, error) {
	var (
		op                                          station.QueuedOperation
		localAt, recordedAt, createdAt, nextAttempt int64
		status                                      string
	)
	err := row.Scan(&op.Seq, &op.ID, &op.Payload.StationID, &op.Payload.RunnerID,
		&op.Payload.CheckpointID, &localAt, &recordedAt, &createdAt, &op.Attempts,
		&status, &op.OffsetMillis, &nextAttempt, &op.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning operation: %w", err)
	}
	op.Payload.LocalAt = fromNanos(localAt)
	op.Payload.RecordedAt = fromNanos(recordedAt)
	op.CreatedAt = fromNanos(createdAt)
	op.NextAttemptAt = fromNanos(nextAttempt)
	op.Status = station.OperationStatus(status)
	return &op, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, station.ErrNotFound)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
