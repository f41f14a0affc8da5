package api

import (
	"time"

	"codelab-engine/internal/engine"
	"codelab-engine/internal/policy"
	"codelab-engine/internal/storage"
)

// SubmitRequest is one code submission.
type SubmitRequest struct {
	CallerID    string `json:"caller_id,omitempty"`
	Language    string `json:"language,omitempty"`
	Mode        string `json:"mode,omitempty"` // "quick" (default) or "tracked"
	SourceText  string `json:"source_text,omitempty"`
	TemplateRef string `json:"template_ref,omitempty"`
}

// ResultResponse is the flat outcome of a submission.
type ResultResponse struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Stdout          string    `json:"stdout"`
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	Stderr          string    `json:"stderr"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	WallClockMS     int64     `json:"wall_clock_ms"`
	PeakMemoryBytes *int64    `json:"peak_memory_bytes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toResultResponse(res *engine.Result) ResultResponse {
	return ResultResponse{
		ID:              res.ID,
		Status:          string(res.Status),
		Reason:          res.Reason,
		Stdout:          res.Stdout,
		StdoutTruncated: res.StdoutTruncated,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		WallClockMS:     res.WallClockMS,
		PeakMemoryBytes: res.PeakMemoryBytes,
		CreatedAt:       res.CreatedAt,
	}
}

// EntryResponse is one ledger entry. Output is included; raw source is not
// stored, only its hash.
type EntryResponse struct {
	ID              string    `json:"id"`
	CallerID        string    `json:"caller_id"`
	Language        string    `json:"language"`
	Mode            string    `json:"mode"`
	SourceHash      string    `json:"source_hash"`
	SourceBytes     int64     `json:"source_bytes"`
	TemplateRef     string    `json:"template_ref,omitempty"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Stdout          string    `json:"stdout"`
	StdoutTruncated bool      `json:"stdout_truncated,omitempty"`
	Stderr          string    `json:"stderr"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	WallClockMS     int64     `json:"wall_clock_ms"`
	PeakMemoryBytes *int64    `json:"peak_memory_bytes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func toEntryResponse(e *storage.LedgerEntry) EntryResponse {
	return EntryResponse{
		ID:              e.ID,
		CallerID:        e.CallerID,
		Language:        e.Language,
		Mode:            e.Mode,
		SourceHash:      e.SourceHash,
		SourceBytes:     e.SourceBytes,
		TemplateRef:     e.TemplateRef,
		Status:          e.Status,
		Reason:          e.Reason,
		Stdout:          e.Stdout,
		StdoutTruncated: e.StdoutTruncated,
		Stderr:          e.Stderr,
		ExitCode:        e.ExitCode,
		WallClockMS:     e.WallClockMS,
		PeakMemoryBytes: e.PeakMemoryBytes,
		CreatedAt:       e.CreatedAt,
	}
}

// StatsResponse is a caller's session aggregate.
type StatsResponse struct {
	CallerID           string    `json:"caller_id"`
	TotalAttempts      int64     `json:"total_attempts"`
	TotalSuccesses     int64     `json:"total_successes"`
	AverageWallClockMS float64   `json:"average_wall_clock_ms"`
	LastExecutionAt    time.Time `json:"last_execution_at"`
}

// TemplateRequest creates or replaces a catalog template.
type TemplateRequest struct {
	Name       string `json:"name"`
	Language   string `json:"language"`
	SourceText string `json:"source_text"`
	Visibility string `json:"visibility,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// TemplateResponse is one catalog template.
type TemplateResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Language   string    `json:"language"`
	SourceText string    `json:"source_text"`
	Visibility string    `json:"visibility"`
	OwnerID    string    `json:"owner_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toTemplateResponse(t *storage.Template) TemplateResponse {
	return TemplateResponse{
		ID:         t.ID,
		Name:       t.Name,
		Language:   t.Language,
		SourceText: t.SourceText,
		Visibility: t.Visibility,
		OwnerID:    t.OwnerID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// PolicyDTO is the wire form of the security policy. Durations travel as
// seconds so clients never deal with Go duration strings.
type PolicyDTO struct {
	MaxWallClockSeconds float64  `json:"max_wall_clock_seconds"`
	MaxMemoryBytes      int64    `json:"max_memory_bytes"`
	MaxOutputBytes      int64    `json:"max_output_bytes"`
	MaxSourceBytes      int64    `json:"max_source_bytes"`
	ForbiddenImports    []string `json:"forbidden_imports"`
	ForbiddenCalls      []string `json:"forbidden_calls"`
	NetworkAllowed      bool     `json:"network_allowed"`
	LanguagesEnabled    []string `json:"languages_enabled"`
}

func toPolicyDTO(p *policy.SecurityPolicy) PolicyDTO {
	return PolicyDTO{
		MaxWallClockSeconds: p.MaxWallClock.Seconds(),
		MaxMemoryBytes:      p.MaxMemoryBytes,
		MaxOutputBytes:      p.MaxOutputBytes,
		MaxSourceBytes:      p.MaxSourceBytes,
		ForbiddenImports:    p.ForbiddenImports,
		ForbiddenCalls:      p.ForbiddenCalls,
		NetworkAllowed:      p.NetworkAllowed,
		LanguagesEnabled:    p.LanguagesEnabled,
	}
}

func (d PolicyDTO) toPolicy() *policy.SecurityPolicy {
	return &policy.SecurityPolicy{
		MaxWallClock:     time.Duration(d.MaxWallClockSeconds * float64(time.Second)),
		MaxMemoryBytes:   d.MaxMemoryBytes,
		MaxOutputBytes:   d.MaxOutputBytes,
		MaxSourceBytes:   d.MaxSourceBytes,
		ForbiddenImports: d.ForbiddenImports,
		ForbiddenCalls:   d.ForbiddenCalls,
		NetworkAllowed:   d.NetworkAllowed,
		LanguagesEnabled: d.LanguagesEnabled,
	}
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
