// Package storage persists the execution ledger, per-caller session stats,
// and the template catalog. Two implementations share one contract: SQLite
// (modernc.org/sqlite, zero-setup, default) and PostgreSQL (pgx, production).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// LedgerEntry is the persisted pairing of one tracked request and its result.
// Entries are append-only; corrections are new entries. Raw source is kept
// only by hash and size.
type LedgerEntry struct {
	ID              string
	CallerID        string
	Language        string
	Mode            string
	SourceHash      string
	SourceBytes     int64
	TemplateRef     string
	Status          string
	Reason          string
	Stdout          string
	StdoutTruncated bool
	Stderr          string
	ExitCode        *int
	WallClockMS     int64
	PeakMemoryBytes *int64
	CreatedAt       time.Time
}

// SessionStats is the rolling per-caller aggregate, updated in the same
// transaction as each ledger append.
type SessionStats struct {
	CallerID           string
	TotalAttempts      int64
	TotalSuccesses     int64
	AverageWallClockMS float64
	LastExecutionAt    time.Time
}

// Template visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Template is a named, language-tagged source snippet. Private templates are
// visible only to their owner.
type Template struct {
	ID         string
	Name       string
	Language   string
	SourceText string
	Visibility string
	OwnerID    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	CallerID string
	Language string
	Status   string
	Limit    int
	Offset   int
}

// Store is the persistence contract for the engine.
type Store interface {
	// RecordExecution appends a ledger entry and updates the caller's
	// session stats in a single transaction: both happen or neither.
	RecordExecution(ctx context.Context, entry *LedgerEntry) error

	GetEntry(ctx context.Context, id string) (*LedgerEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	// SessionStats returns the caller's aggregate; ErrNotFound before the
	// caller's first tracked execution.
	SessionStats(ctx context.Context, callerID string) (*SessionStats, error)

	GetTemplate(ctx context.Context, id string) (*Template, error)
	PutTemplate(ctx context.Context, tpl *Template) error
	DeleteTemplate(ctx context.Context, id string) error

	Close() error
}
