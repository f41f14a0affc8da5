package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to PostgreSQL, verifies connectivity, and ensures the
// schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id                TEXT PRIMARY KEY,
			caller_id         TEXT NOT NULL,
			language          TEXT NOT NULL,
			mode              TEXT NOT NULL,
			source_hash       TEXT NOT NULL,
			source_bytes      BIGINT NOT NULL,
			template_ref      TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			reason            TEXT NOT NULL DEFAULT '',
			stdout            TEXT NOT NULL DEFAULT '',
			stdout_truncated  BOOLEAN NOT NULL DEFAULT FALSE,
			stderr            TEXT NOT NULL DEFAULT '',
			exit_code         INTEGER,
			wall_clock_ms     BIGINT NOT NULL DEFAULT 0,
			peak_memory_bytes BIGINT,
			created_at        TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_caller
			ON ledger_entries(caller_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_status
			ON ledger_entries(status);

		CREATE TABLE IF NOT EXISTS session_stats (
			caller_id             TEXT PRIMARY KEY,
			total_attempts        BIGINT NOT NULL DEFAULT 0,
			total_successes       BIGINT NOT NULL DEFAULT 0,
			average_wall_clock_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_execution_at     TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS templates (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			language    TEXT NOT NULL,
			source_text TEXT NOT NULL,
			visibility  TEXT NOT NULL CHECK (visibility IN ('public','private')),
			owner_id    TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	return err
}

func (s *PostgresStore) RecordExecution(ctx context.Context, entry *LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (
			id, caller_id, language, mode, source_hash, source_bytes,
			template_ref, status, reason, stdout, stdout_truncated, stderr,
			exit_code, wall_clock_ms, peak_memory_bytes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
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

	// Postgres exposes the pre-update row as the table alias, so the
	// incremental average uses the old count and old mean.
	_, err = tx.Exec(ctx, `
		INSERT INTO session_stats (
			caller_id, total_attempts, total_successes,
			average_wall_clock_ms, last_execution_at
		) VALUES ($1, 1, $2, $3, $4)
		ON CONFLICT (caller_id) DO UPDATE SET
			total_attempts        = session_stats.total_attempts + 1,
			total_successes       = session_stats.total_successes + EXCLUDED.total_successes,
			average_wall_clock_ms = session_stats.average_wall_clock_ms +
				(EXCLUDED.average_wall_clock_ms - session_stats.average_wall_clock_ms)
					/ (session_stats.total_attempts + 1),
			last_execution_at     = EXCLUDED.last_execution_at`,
		entry.CallerID, success, float64(entry.WallClockMS), entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session stats: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, caller_id, language, mode, source_hash, source_bytes,
		       template_ref, status, reason, stdout, stdout_truncated, stderr,
		       exit_code, wall_clock_ms, peak_memory_bytes, created_at
		FROM ledger_entries WHERE id = $1`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	query := `
		SELECT id, caller_id, language, mode, source_hash, source_bytes,
		       template_ref, status, reason, stdout, stdout_truncated, stderr,
		       exit_code, wall_clock_ms, peak_memory_bytes, created_at
		FROM ledger_entries`

	var conds []string
	var args []any
	if filter.CallerID != "" {
		args = append(args, filter.CallerID)
		conds = append(conds, fmt.Sprintf("caller_id = $%d", len(args)))
	}
	if filter.Language != "" {
		args = append(args, filter.Language)
		conds = append(conds, fmt.Sprintf("language = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) SessionStats(ctx context.Context, callerID string) (*SessionStats, error) {
	var st SessionStats
	err := s.pool.QueryRow(ctx, `
		SELECT caller_id, total_attempts, total_successes,
		       average_wall_clock_ms, last_execution_at
		FROM session_stats WHERE caller_id = $1`, callerID).
		Scan(&st.CallerID, &st.TotalAttempts, &st.TotalSuccesses,
			&st.AverageWallClockMS, &st.LastExecutionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session stats %s: %w", callerID, err)
	}
	return &st, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var tpl Template
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, language, source_text, visibility, owner_id,
		       created_at, updated_at
		FROM templates WHERE id = $1`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.Language, &tpl.SourceText,
			&tpl.Visibility, &tpl.OwnerID, &tpl.CreatedAt, &tpl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return &tpl, nil
}

func (s *PostgresStore) PutTemplate(ctx context.Context, tpl *Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO templates (
			id, name, language, source_text, visibility, owner_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			language    = EXCLUDED.language,
			source_text = EXCLUDED.source_text,
			visibility  = EXCLUDED.visibility,
			owner_id    = EXCLUDED.owner_id,
			updated_at  = EXCLUDED.updated_at`,
		tpl.ID, tpl.Name, tpl.Language, tpl.SourceText, tpl.Visibility,
		tpl.OwnerID, tpl.CreatedAt.UTC(), tpl.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put template %s: %w", tpl.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM templates WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Healthy reports database connectivity for the health endpoint.
func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
