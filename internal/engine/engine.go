// Package engine orchestrates one submission end to end: request validation,
// policy snapshot, static validation, sandboxed execution, and the tracked
// ledger append. It owns the in-flight registry used for cancellation.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codelab-engine/internal/monitor"
	"codelab-engine/internal/policy"
	"codelab-engine/internal/sandbox"
	"codelab-engine/internal/storage"
	"codelab-engine/internal/template"
	"codelab-engine/internal/validate"
)

// Execution modes. Quick runs leave no trace; tracked runs are appended to
// the ledger and folded into the caller's session stats.
const (
	ModeQuick   = "quick"
	ModeTracked = "tracked"
)

// ErrInvalidRequest marks submissions that are malformed before any policy
// or sandbox decision applies.
var ErrInvalidRequest = errors.New("invalid request")

// Input is one submission as received from the transport layer.
type Input struct {
	CallerID    string
	Language    string
	Mode        string
	SourceText  string
	TemplateRef string
}

// Result is the flat outcome returned for every submission that was accepted
// into the engine, including validator rejections.
type Result struct {
	ID              string
	Status          sandbox.Status
	Reason          string
	Stdout          string
	StdoutTruncated bool
	Stderr          string
	ExitCode        *int
	WallClockMS     int64
	PeakMemoryBytes *int64
	CreatedAt       time.Time
}

// Engine wires the policy store, validator, sandbox backend, template
// catalog, and ledger together.
type Engine struct {
	policies  *policy.Store
	backend   sandbox.Backend
	store     storage.Store
	templates *template.Catalog
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(policies *policy.Store, backend sandbox.Backend, store storage.Store, templates *template.Catalog, metrics *monitor.Metrics, tracer *monitor.Tracer) *Engine {
	return &Engine{
		policies:  policies,
		backend:   backend,
		store:     store,
		templates: templates,
		metrics:   metrics,
		tracer:    tracer,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Submit runs one submission to completion and returns its result. Errors
// are returned only when no execution outcome exists: a malformed request
// (ErrInvalidRequest) or a full pool (sandbox.ErrCapacity). Everything else,
// including validator rejections and sandbox failures, comes back as a
// Result with the corresponding status.
func (e *Engine) Submit(ctx context.Context, in Input) (*Result, error) {
	req, err := e.buildRequest(ctx, in)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.StartSpan(ctx, "submit",
		monitor.AttrExecID.String(req.id),
		monitor.AttrLanguage.String(req.language),
		monitor.AttrMode.String(req.mode),
	)
	defer span.End()

	logger := log.With().
		Str("exec_id", req.id).
		Str("language", req.language).
		Str("mode", req.mode).
		Logger()

	// One snapshot covers validation and execution; a concurrent policy
	// reload never applies mid-flight.
	pol := e.policies.Current()
	e.metrics.CodeSizeBytes.Observe(float64(len(req.source)))

	var result *Result
	if rej := e.checkSource(req, pol); rej != nil {
		logger.Info().Str("reason", rej.Reason).Msg("submission rejected by validator")
		result = &Result{
			ID:        req.id,
			Status:    sandbox.StatusRejected,
			Reason:    rej.Error(),
			CreatedAt: time.Now().UTC(),
		}
		e.metrics.RecordValidatorRejection(rej.Reason)
		e.metrics.ExecutionsTotal.WithLabelValues(req.language, string(sandbox.StatusRejected)).Inc()
	} else {
		result, err = e.execute(ctx, req, pol, logger)
		if err != nil {
			return nil, err
		}
	}

	span.SetAttributes(monitor.AttrStatus.String(string(result.Status)))

	if req.mode == ModeTracked {
		e.record(ctx, req, result, logger)
	}
	return result, nil
}

// Cancel signals the in-flight execution with the given id. It reports
// whether an execution was found; delivery of the cancelled status happens
// through the original Submit call.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	e.metrics.Cancellations.Inc()
	log.Info().Str("exec_id", id).Msg("cancellation requested")
	return true
}

type request struct {
	id          string
	callerID    string
	language    string
	mode        string
	source      string
	templateRef string
}

func (e *Engine) buildRequest(ctx context.Context, in Input) (*request, error) {
	mode := in.Mode
	if mode == "" {
		mode = ModeQuick
	}
	if mode != ModeQuick && mode != ModeTracked {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, in.Mode)
	}
	if mode == ModeTracked && in.CallerID == "" {
		return nil, fmt.Errorf("%w: tracked mode requires a caller id", ErrInvalidRequest)
	}
	if in.SourceText == "" && in.TemplateRef == "" {
		return nil, fmt.Errorf("%w: source text or template ref required", ErrInvalidRequest)
	}
	if in.SourceText != "" && in.TemplateRef != "" {
		return nil, fmt.Errorf("%w: source text and template ref are mutually exclusive", ErrInvalidRequest)
	}

	req := &request{
		id:          uuid.New().String(),
		callerID:    in.CallerID,
		language:    in.Language,
		mode:        mode,
		source:      in.SourceText,
		templateRef: in.TemplateRef,
	}

	if in.TemplateRef != "" {
		tpl, err := e.templates.Fetch(ctx, in.TemplateRef, in.CallerID)
		if err != nil {
			return nil, fmt.Errorf("%w: template %q: %v", ErrInvalidRequest, in.TemplateRef, err)
		}
		req.source = tpl.SourceText
		if req.language == "" {
			req.language = tpl.Language
		} else if req.language != tpl.Language {
			return nil, fmt.Errorf("%w: template %q is %s, not %s", ErrInvalidRequest, in.TemplateRef, tpl.Language, req.language)
		}
	}

	if req.language == "" {
		return nil, fmt.Errorf("%w: language required", ErrInvalidRequest)
	}
	return req, nil
}

func (e *Engine) checkSource(req *request, pol *policy.SecurityPolicy) *validate.Rejection {
	err := validate.Check(req.source, req.language, pol)
	if err == nil {
		return nil
	}
	var rej *validate.Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return &validate.Rejection{Reason: "forbidden_construct", Detail: err.Error()}
}

func (e *Engine) execute(ctx context.Context, req *request, pol *policy.SecurityPolicy, logger zerolog.Logger) (*Result, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.inflight[req.id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, req.id)
		e.mu.Unlock()
	}()

	e.metrics.ActiveExecutions.Inc()
	defer e.metrics.ActiveExecutions.Dec()

	outcome, err := e.backend.Execute(execCtx, sandbox.Job{
		ID:       req.id,
		Source:   req.source,
		Language: req.language,
		Policy:   pol,
	})
	if err != nil {
		if sandbox.IsCapacity(err) {
			e.metrics.CapacityRejections.Inc()
			logger.Warn().Msg("submission rejected, pool at capacity")
			return nil, err
		}
		// A caller action (Cancel, client disconnect) can land while the job
		// is still waiting for a worker; that is a cancelled outcome, not a
		// backend failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info().Msg("submission cancelled while awaiting a worker")
			e.metrics.ExecutionsTotal.WithLabelValues(req.language, string(sandbox.StatusCancelled)).Inc()
			return &Result{
				ID:        req.id,
				Status:    sandbox.StatusCancelled,
				CreatedAt: time.Now().UTC(),
			}, nil
		}
		// Infrastructure failure: surface as internal_error, details stay
		// in the log.
		logger.Error().Err(err).Msg("sandbox execution failed")
		e.metrics.ExecutionsTotal.WithLabelValues(req.language, string(sandbox.StatusInternalError)).Inc()
		return &Result{
			ID:        req.id,
			Status:    sandbox.StatusInternalError,
			Reason:    "execution backend failure",
			CreatedAt: time.Now().UTC(),
		}, nil
	}

	e.metrics.RecordExecution(req.language, string(outcome.Status), outcome.WallClock.Seconds())
	e.metrics.OutputSizeBytes.Observe(float64(len(outcome.Stdout) + len(outcome.Stderr)))

	logger.Info().
		Str("status", string(outcome.Status)).
		Dur("wall_clock", outcome.WallClock).
		Msg("execution finished")

	return &Result{
		ID:              req.id,
		Status:          outcome.Status,
		Stdout:          outcome.Stdout,
		StdoutTruncated: outcome.StdoutTruncated,
		Stderr:          outcome.Stderr,
		ExitCode:        outcome.ExitCode,
		WallClockMS:     outcome.WallClock.Milliseconds(),
		PeakMemoryBytes: outcome.PeakMemoryBytes,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// record appends the tracked result to the ledger. The result has already
// been produced; a persistence failure is reported but never erases it.
func (e *Engine) record(ctx context.Context, req *request, result *Result, logger zerolog.Logger) {
	hash := sha256.Sum256([]byte(req.source))
	entry := &storage.LedgerEntry{
		ID:              result.ID,
		CallerID:        req.callerID,
		Language:        req.language,
		Mode:            req.mode,
		SourceHash:      hex.EncodeToString(hash[:]),
		SourceBytes:     int64(len(req.source)),
		TemplateRef:     req.templateRef,
		Status:          string(result.Status),
		Reason:          result.Reason,
		Stdout:          result.Stdout,
		StdoutTruncated: result.StdoutTruncated,
		Stderr:          result.Stderr,
		ExitCode:        result.ExitCode,
		WallClockMS:     result.WallClockMS,
		PeakMemoryBytes: result.PeakMemoryBytes,
		CreatedAt:       result.CreatedAt,
	}

	// The submit context may already be cancelled (caller cancellation is
	// itself a recordable outcome), so the write gets its own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.store.RecordExecution(ctx, entry); err != nil {
		e.metrics.LedgerWriteFailures.Inc()
		logger.Error().Err(err).Msg("ledger append failed, result returned unrecorded")
	}
}
