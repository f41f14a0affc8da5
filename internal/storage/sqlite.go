package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default, zero-setup Store backed by a single database
// file (or :memory: for tests).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the SQLite database at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps concurrent readers off the writer's lock.
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	log.Debug().Str("path", path).Msg("sqlite store ready")
	return &SQLiteStore{db: db}, nil
}

// RecordExecution appends the ledger entry and folds it into the caller's
// session stats in one transaction.
func (s *SQLiteStore) RecordExecution(ctx context.Context, entry *LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, caller_id, language, mode, source_hash, source_bytes,
			template_ref, status, reason, stdout, stdout_truncated, stderr,
			exit_code, wall_clock_ms, peak_memory_bytes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CallerID, entry.Language, entry.Mode,
		entry.SourceHash, entry.SourceBytes, entry.TemplateRef,
		entry.Status, entry.Reason, entry.Stdout, entry.StdoutTruncated,
		entry.Stderr, entry.ExitCode, entry.WallClockMS,
		entry.PeakMemoryBytes, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	success := 0
	if entry.Status == "success" {
		success = 1
	}

	// The UPDATE branch reads pre-update row values, so the incremental
	// average uses the old count and old mean:
	//   avg' = avg + (x - avg) / (n + 1)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_stats (
			caller_id, total_attempts, total_successes,
			average_wall_clock_ms, last_execution_at
		) VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(caller_id) DO UPDATE SET
			total_attempts        = total_attempts + 1,
			total_successes       = total_successes + excluded.total_successes,
			average_wall_clock_ms = average_wall_clock_ms +
				(excluded.average_wall_clock_ms - average_wall_clock_ms) / (total_attempts + 1),
			last_execution_at     = excluded.last_execution_at`,
		entry.CallerID, success, float64(entry.WallClockMS), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session stats: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, caller_id, language, mode, source_hash, source_bytes,
		       template_ref, status, reason, stdout, stdout_truncated, stderr,
		       exit_code, wall_clock_ms, peak_memory_bytes, created_at
		FROM ledger_entries WHERE id = ?`, id)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	query := `
		SELECT id, caller_id, language, mode, source_hash, source_bytes,
		       template_ref, status, reason, stdout, stdout_truncated, stderr,
		       exit_code, wall_clock_ms, peak_memory_bytes, created_at
		FROM ledger_entries`

	var conds []string
	var args []any
	if filter.CallerID != "" {
		conds = append(conds, "caller_id = ?")
		args = append(args, filter.CallerID)
	}
	if filter.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, filter.Language)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SessionStats(ctx context.Context, callerID string) (*SessionStats, error) {
	var st SessionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT caller_id, total_attempts, total_successes,
		       average_wall_clock_ms, last_execution_at
		FROM session_stats WHERE caller_id = ?`, callerID).
		Scan(&st.CallerID, &st.TotalAttempts, &st.TotalSuccesses,
			&st.AverageWallClockMS, &st.LastExecutionAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session stats %s: %w", callerID, err)
	}
	return &st, nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var tpl Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, language, source_text, visibility, owner_id,
		       created_at, updated_at
		FROM templates WHERE id = ?`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.Language, &tpl.SourceText,
			&tpl.Visibility, &tpl.OwnerID, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return &tpl, nil
}

func (s *SQLiteStore) PutTemplate(ctx context.Context, tpl *Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (
			id, name, language, source_text, visibility, owner_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			language    = excluded.language,
			source_text = excluded.source_text,
			visibility  = excluded.visibility,
			owner_id    = excluded.owner_id,
			updated_at  = excluded.updated_at`,
		tpl.ID, tpl.Name, tpl.Language, tpl.SourceText, tpl.Visibility,
		tpl.OwnerID, tpl.CreatedAt.UTC(), tpl.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put template %s: %w", tpl.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Healthy reports whether the database responds.
func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := row.Scan(
		&entry.ID, &entry.CallerID, &entry.Language, &entry.Mode,
		&entry.SourceHash, &entry.SourceBytes, &entry.TemplateRef,
		&entry.Status, &entry.Reason, &entry.Stdout, &entry.StdoutTruncated,
		&entry.Stderr, &entry.ExitCode, &entry.WallClockMS,
		&entry.PeakMemoryBytes, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}
