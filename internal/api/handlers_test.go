package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codelab-engine/internal/engine"
	"codelab-engine/internal/monitor"
	"codelab-engine/internal/policy"
	"codelab-engine/internal/sandbox"
	"codelab-engine/internal/storage"
	"codelab-engine/internal/template"
)

type stubEngine struct {
	result   *engine.Result
	err      error
	cancelOK bool
	lastIn   engine.Input
}

func (s *stubEngine) Submit(ctx context.Context, in engine.Input) (*engine.Result, error) {
	s.lastIn = in
	return s.result, s.err
}

func (s *stubEngine) Cancel(id string) bool { return s.cancelOK }

type fixture struct {
	mux      *http.ServeMux
	eng      *stubEngine
	store    *storage.SQLiteStore
	catalog  *template.Catalog
	policies *policy.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	policies, err := policy.NewStore(policy.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	eng := &stubEngine{}
	catalog := template.NewCatalog(store)
	h := NewHandlers(eng, store, catalog, policies, monitor.NewMetrics())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/submit", h.HandleSubmit)
	mux.HandleFunc("GET /api/v1/executions", h.HandleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("DELETE /api/v1/executions/{id}", h.HandleCancel)
	mux.HandleFunc("GET /api/v1/sessions/{caller}", h.HandleSessionStats)
	mux.HandleFunc("GET /api/v1/templates/{id}", h.HandleGetTemplate)
	mux.HandleFunc("POST /api/v1/templates", h.HandleCreateTemplate)
	mux.HandleFunc("DELETE /api/v1/templates/{id}", h.HandleDeleteTemplate)
	mux.HandleFunc("GET /api/v1/policy", h.HandleGetPolicy)
	mux.HandleFunc("PUT /api/v1/policy", h.HandlePutPolicy)

	return &fixture{mux: mux, eng: eng, store: store, catalog: catalog, policies: policies}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubmitSuccess(t *testing.T) {
	f := newFixture(t)
	exit := 0
	f.eng.result = &engine.Result{
		ID:          "exec-1",
		Status:      sandbox.StatusSuccess,
		Stdout:      "4\n",
		ExitCode:    &exit,
		WallClockMS: 12,
		CreatedAt:   time.Now().UTC(),
	}

	rec := f.do(t, http.MethodPost, "/api/v1/submit", SubmitRequest{
		Language:   "python",
		SourceText: "print(2+2)",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "exec-1" || resp.Status != "success" || resp.Stdout != "4\n" {
		t.Errorf("response mismatch: %+v", resp)
	}
	if f.eng.lastIn.Language != "python" {
		t.Errorf("engine received %+v", f.eng.lastIn)
	}
}

func TestHandleSubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid request", engine.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"capacity", sandbox.ErrCapacity, http.StatusTooManyRequests, "capacity_exceeded"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.eng.err = tt.err

			rec := f.do(t, http.MethodPost, "/api/v1/submit", SubmitRequest{
				Language:   "python",
				SourceText: "x",
			})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleSubmitBadJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCancel(t *testing.T) {
	f := newFixture(t)

	f.eng.cancelOK = true
	rec := f.do(t, http.MethodDelete, "/api/v1/executions/exec-1", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	f.eng.cancelOK = false
	rec = f.do(t, http.MethodDelete, "/api/v1/executions/exec-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func seedEntry(t *testing.T, store storage.Store, id, caller string) {
	t.Helper()
	exit := 0
	err := store.RecordExecution(context.Background(), &storage.LedgerEntry{
		ID:          id,
		CallerID:    caller,
		Language:    "python",
		Mode:        "tracked",
		SourceHash:  "abcd",
		SourceBytes: 10,
		Status:      "success",
		ExitCode:    &exit,
		WallClockMS: 42,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func TestHandleGetExecution(t *testing.T) {
	f := newFixture(t)
	seedEntry(t, f.store, "exec-1", "alice")

	rec := f.do(t, http.MethodGet, "/api/v1/executions/exec-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp EntryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CallerID != "alice" || resp.Status != "success" {
		t.Errorf("entry mismatch: %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListExecutions(t *testing.T) {
	f := newFixture(t)
	seedEntry(t, f.store, "e1", "alice")
	seedEntry(t, f.store, "e2", "alice")
	seedEntry(t, f.store, "e3", "bob")

	rec := f.do(t, http.MethodGet, "/api/v1/executions?caller=alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []EntryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/executions?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestHandleSessionStats(t *testing.T) {
	f := newFixture(t)
	seedEntry(t, f.store, "e1", "alice")

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalAttempts != 1 || resp.TotalSuccesses != 1 {
		t.Errorf("stats mismatch: %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	priv := &storage.Template{
		Name:       "secret",
		Language:   "python",
		SourceText: "print(1)",
		Visibility: storage.VisibilityPrivate,
		OwnerID:    "alice",
	}
	if err := f.catalog.Create(ctx, priv); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/templates/"+priv.ID+"?caller=alice", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("owner fetch status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/templates/"+priv.ID+"?caller=bob", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-owner fetch status = %d, want 403", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/templates/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing fetch status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name:       "hello",
		Language:   "dsl",
		SourceText: "emit 1",
		Visibility: storage.VisibilityPublic,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created TemplateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/templates/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestHandlePolicyReload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/policy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var dto PolicyDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &dto); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dto.MaxWallClockSeconds != 30 {
		t.Errorf("MaxWallClockSeconds = %f, want 30", dto.MaxWallClockSeconds)
	}

	// Invalid policy rejected whole; active policy unchanged.
	bad := dto
	bad.MaxMemoryBytes = -1
	rec = f.do(t, http.MethodPut, "/api/v1/policy", bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad reload status = %d, want 422", rec.Code)
	}
	if f.policies.Current().MaxMemoryBytes != 128<<20 {
		t.Error("rejected reload mutated active policy")
	}

	good := dto
	good.MaxWallClockSeconds = 5
	rec = f.do(t, http.MethodPut, "/api/v1/policy", good)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if f.policies.Current().MaxWallClock != 5*time.Second {
		t.Errorf("MaxWallClock = %s, want 5s", f.policies.Current().MaxWallClock)
	}
}
