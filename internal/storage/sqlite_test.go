package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(id, caller, status string, wallMS int64) *LedgerEntry {
	exit := 0
	if status != "success" {
		exit = 1
	}
	return &LedgerEntry{
		ID:          id,
		CallerID:    caller,
		Language:    "python",
		Mode:        "tracked",
		SourceHash:  "deadbeef",
		SourceBytes: 42,
		Status:      status,
		Stdout:      "hello\n",
		ExitCode:    &exit,
		WallClockMS: wallMS,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestRecordAndGetEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testEntry("exec-1", "alice", "success", 120)
	peak := int64(8 << 20)
	want.PeakMemoryBytes = &peak

	if err := s.RecordExecution(ctx, want); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	got, err := s.GetEntry(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.CallerID != "alice" || got.Status != "success" || got.WallClockMS != 120 {
		t.Errorf("entry mismatch: %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", got.ExitCode)
	}
	if got.PeakMemoryBytes == nil || *got.PeakMemoryBytes != peak {
		t.Errorf("PeakMemoryBytes = %v, want %d", got.PeakMemoryBytes, peak)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEntry(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListEntriesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []*LedgerEntry{
		testEntry("e1", "alice", "success", 100),
		testEntry("e2", "alice", "timeout", 30000),
		testEntry("e3", "bob", "success", 50),
	}
	seed[2].Language = "dsl"
	for _, e := range seed {
		if err := s.RecordExecution(ctx, e); err != nil {
			t.Fatalf("seed %s: %v", e.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter EntryFilter
		want   int
	}{
		{"all", EntryFilter{}, 3},
		{"by caller", EntryFilter{CallerID: "alice"}, 2},
		{"by status", EntryFilter{Status: "timeout"}, 1},
		{"by language", EntryFilter{Language: "dsl"}, 1},
		{"caller and status", EntryFilter{CallerID: "alice", Status: "success"}, 1},
		{"no match", EntryFilter{CallerID: "carol"}, 0},
		{"limit", EntryFilter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListEntries(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEntries: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSessionStatsAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	durations := []int64{100, 200, 600}
	statuses := []string{"success", "runtime_error", "success"}
	for i := range durations {
		e := testEntry(fmt.Sprintf("e%d", i), "alice", statuses[i], durations[i])
		if err := s.RecordExecution(ctx, e); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	st, err := s.SessionStats(ctx, "alice")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if st.TotalAttempts != 3 {
		t.Errorf("TotalAttempts = %d, want 3", st.TotalAttempts)
	}
	if st.TotalSuccesses != 2 {
		t.Errorf("TotalSuccesses = %d, want 2", st.TotalSuccesses)
	}
	if math.Abs(st.AverageWallClockMS-300) > 1e-6 {
		t.Errorf("AverageWallClockMS = %f, want 300", st.AverageWallClockMS)
	}
	if st.LastExecutionAt.IsZero() {
		t.Error("LastExecutionAt not set")
	}
}

func TestSessionStatsNotFoundBeforeFirstExecution(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SessionStats(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordExecutionConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := testEntry(fmt.Sprintf("c%d", i), "alice", "success", 100)
			errs <- s.RecordExecution(ctx, e)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	st, err := s.SessionStats(ctx, "alice")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if st.TotalAttempts != n {
		t.Errorf("TotalAttempts = %d, want %d", st.TotalAttempts, n)
	}
	if st.TotalSuccesses != n {
		t.Errorf("TotalSuccesses = %d, want %d", st.TotalSuccesses, n)
	}
	if math.Abs(st.AverageWallClockMS-100) > 1e-6 {
		t.Errorf("AverageWallClockMS = %f, want 100", st.AverageWallClockMS)
	}
}

func TestDuplicateEntryIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordExecution(ctx, testEntry("dup", "alice", "success", 10)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.RecordExecution(ctx, testEntry("dup", "alice", "success", 10)); err == nil {
		t.Error("duplicate id should fail")
	}

	// A failed append must not bump stats.
	st, err := s.SessionStats(ctx, "alice")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if st.TotalAttempts != 1 {
		t.Errorf("TotalAttempts = %d, want 1 after failed duplicate", st.TotalAttempts)
	}
}

func TestTemplateCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	tpl := &Template{
		ID:         "tpl-1",
		Name:       "fibonacci",
		Language:   "python",
		SourceText: "def fib(n):\n    return n if n < 2 else fib(n-1) + fib(n-2)\n",
		Visibility: VisibilityPublic,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.PutTemplate(ctx, tpl); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}

	got, err := s.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Name != "fibonacci" || got.Visibility != VisibilityPublic {
		t.Errorf("template mismatch: %+v", got)
	}

	tpl.Name = "fib"
	tpl.Visibility = VisibilityPrivate
	tpl.OwnerID = "alice"
	if err := s.PutTemplate(ctx, tpl); err != nil {
		t.Fatalf("PutTemplate update: %v", err)
	}
	got, err = s.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("GetTemplate after update: %v", err)
	}
	if got.Name != "fib" || got.OwnerID != "alice" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.DeleteTemplate(ctx, "tpl-1"); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if _, err := s.GetTemplate(ctx, "tpl-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
	if err := s.DeleteTemplate(ctx, "tpl-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
