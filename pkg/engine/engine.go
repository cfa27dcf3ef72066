// Package engine orchestrates conversational turns: memory
// extraction and recall, optional web search, prompt assembly,
// backend generation, and persistence of the exchange.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yanzhao77/ModelForge/pkg/backend"
	"github.com/yanzhao77/ModelForge/pkg/extraction"
	"github.com/yanzhao77/ModelForge/pkg/metrics"
	"github.com/yanzhao77/ModelForge/pkg/store"
	"github.com/yanzhao77/ModelForge/pkg/trace"
	"github.com/yanzhao77/ModelForge/pkg/websearch"
)

// State tracks the engine lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateAnswering
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateAnswering:
		return "answering"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

var (
	// ErrBusy is returned when a turn is requested while another is
	// still in flight. The engine serves one turn at a time.
	ErrBusy = errors.New("engine is answering")

	// ErrNotReady is returned for operations that require a loaded,
	// idle engine.
	ErrNotReady = errors.New("engine not ready")
)

const (
	// exitSentinel ends the conversation and releases the backend.
	exitSentinel = "exit"

	closingMessage = "Conversation ended."

	// degradedMessage stands in for an answer when generation fails
	// even after the degraded retry.
	degradedMessage = "The model could not complete a response. Please try again, perhaps with a shorter question."

	defaultGenerateTimeout = 120 * time.Second
	defaultMemoryCap       = 100
	defaultRecallLimit     = 3
)

// Config holds configuration for the engine.
type Config struct {
	// Store persists users, sessions, messages, and memories. Required.
	Store *store.Store

	// UserID owns the conversation. Required.
	UserID int64

	// SessionID resumes an existing session; zero creates a new one
	// on Load.
	SessionID int64

	// ModelPath locates model artifacts for backend selection.
	// Ignored when Backend is set.
	ModelPath string

	// ContextLimit bounds the encoded prompt (default 4096).
	ContextLimit int

	// Backend overrides artifact loading with a pre-built backend.
	Backend backend.Backend

	// Searcher augments questions with web results; nil disables
	// search.
	Searcher websearch.Searcher

	// Rules drive memory extraction (default extraction.DefaultRules).
	Rules []extraction.Rule

	// Base decoding parameters, derived per mode on each turn
	// (default backend.DefaultConfig).
	Base backend.Config

	// DefaultMode applies when a turn names no mode (default fast).
	DefaultMode backend.Mode

	// GenerateTimeout bounds one generation call including the
	// degraded retry (default 120s).
	GenerateTimeout time.Duration

	// MemoryCap triggers eviction of least important memories when a
	// user's store grows past it (default 100).
	MemoryCap int

	// RecallLimit caps memories injected per turn (default 3).
	RecallLimit int

	// Trace exports sanitized per-turn timing records; nil disables
	// export.
	Trace trace.Exporter

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// TurnOptions adjusts a single turn.
type TurnOptions struct {
	// Mode selects the decoding strategy; empty uses the default.
	Mode backend.Mode

	// ForceSearch runs web search even when the question does not
	// trigger the heuristic.
	ForceSearch bool
}

// Engine runs the conversational pipeline for one user session. Not
// safe for concurrent turns: a second AnswerTurn while one is in
// flight returns ErrBusy.
type Engine struct {
	cfg       Config
	backend   backend.Backend
	extractor *extraction.Extractor
	logger    *slog.Logger
	metrics   metrics.Collector

	mu        sync.Mutex
	state     State
	sessionID int64
	lastTrace *TurnTrace
}

// nopMetrics satisfies the collector interface when none is
// configured, independent of build tags.
type nopMetrics struct{}

func (nopMetrics) RecordOperation(context.Context, string, string, int64) {}
func (nopMetrics) RecordStage(context.Context, string, string, int64)     {}
func (nopMetrics) RecordError(context.Context, string, string)            {}
func (nopMetrics) SetStorageCount(context.Context, string, int64)         {}

// New validates the configuration and builds an unloaded engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.UserID <= 0 {
		return nil, errors.New("engine: user id is required")
	}
	if cfg.Backend == nil && cfg.ModelPath == "" {
		return nil, errors.New("engine: model path or backend is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Rules == nil {
		cfg.Rules = extraction.DefaultRules()
	}
	if cfg.Base.MaxNewTokens == 0 {
		cfg.Base = backend.DefaultConfig()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = backend.ModeFast
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.MemoryCap <= 0 {
		cfg.MemoryCap = defaultMemoryCap
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = defaultRecallLimit
	}

	extractor, err := extraction.New(cfg.Store, cfg.Rules, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("engine: build extractor: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		extractor: extractor,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		state:     StateUnloaded,
		sessionID: cfg.SessionID,
	}, nil
}

// Load acquires the backend and resolves the session. Valid from the
// unloaded state; a failed load may be retried.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateUnloaded && e.state != StateFailed {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot load in state %s", ErrNotReady, state)
	}
	e.state = StateLoading
	e.mu.Unlock()

	start := timeNowMs()
	fail := func(err error) error {
		e.mu.Lock()
		e.state = StateFailed
		e.mu.Unlock()
		e.metrics.RecordError(ctx, "load", ClassifyError(err))
		e.metrics.RecordOperation(ctx, "load", "error", timeNowMs()-start)
		return err
	}

	b := e.cfg.Backend
	if b == nil {
		var err error
		b, err = backend.Load(e.cfg.ModelPath, e.cfg.ContextLimit)
		if err != nil {
			return fail(fmt.Errorf("engine: %w", err))
		}
	}

	sessionID := e.sessionID
	if sessionID == 0 {
		session, err := e.cfg.Store.CreateSession(ctx, e.cfg.UserID, "", e.cfg.ModelPath)
		if err != nil {
			return fail(fmt.Errorf("engine: create session: %w", err))
		}
		sessionID = session.ID
	} else {
		session, err := e.cfg.Store.GetSession(ctx, sessionID)
		if err != nil {
			return fail(fmt.Errorf("engine: resume session %d: %w", sessionID, err))
		}
		if session.UserID != e.cfg.UserID {
			return fail(fmt.Errorf("engine: session %d does not belong to user %d", sessionID, e.cfg.UserID))
		}
	}

	e.mu.Lock()
	e.backend = b
	e.sessionID = sessionID
	e.state = StateReady
	e.mu.Unlock()

	e.metrics.RecordOperation(ctx, "load", "success", timeNowMs()-start)
	e.logger.Info("engine ready", "session_id", sessionID, "context_limit", b.ContextLimit())
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the active session, zero before Load.
func (e *Engine) SessionID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// LastTrace returns timing data for the most recently answered turn,
// nil before the first.
func (e *Engine) LastTrace() *TurnTrace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTrace
}

// Release frees the backend. Idempotent; the engine accepts no
// further turns afterwards.
func (e *Engine) Release() error {
	e.mu.Lock()
	if e.state == StateReleased {
		e.mu.Unlock()
		return nil
	}
	b := e.backend
	e.backend = nil
	e.state = StateReleased
	e.mu.Unlock()

	if b == nil {
		return nil
	}
	if err := b.Release(); err != nil {
		return fmt.Errorf("engine: release backend: %w", err)
	}
	return nil
}

// Answer runs one turn with default options.
func (e *Engine) Answer(ctx context.Context, question string) (string, error) {
	return e.AnswerTurn(ctx, question, TurnOptions{})
}

// AnswerTurn runs the full pipeline for one question: extract
// memories, recall relevant ones, optionally search the web, assemble
// and truncate the prompt, generate, post-process, and persist the
// exchange. Generation failures degrade to a canned answer rather
// than an error; persistence failures are logged and the answer still
// returned.
func (e *Engine) AnswerTurn(ctx context.Context, question string, opts TurnOptions) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errors.New("engine: question cannot be empty")
	}

	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.state = StateAnswering
	case StateAnswering:
		e.mu.Unlock()
		return "", ErrBusy
	default:
		state := e.state
		e.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	b := e.backend
	sessionID := e.sessionID
	e.mu.Unlock()

	if strings.EqualFold(question, exitSentinel) {
		e.mu.Lock()
		e.state = StateReady
		e.mu.Unlock()
		if err := e.Release(); err != nil {
			e.logger.Warn("release on exit failed", "error", err)
		}
		return closingMessage, nil
	}

	defer func() {
		e.mu.Lock()
		if e.state == StateAnswering {
			e.state = StateReady
		}
		e.mu.Unlock()
	}()

	mode := opts.Mode
	if mode == "" {
		mode = e.cfg.DefaultMode
	}

	turnTrace := newTrace()
	turnStart := time.Now()
	start := turnStart.UnixMilli()
	status := "success"
	st := e.cfg.Store
	userID := e.cfg.UserID

	// Extraction failures never block the answer.
	timer := newSpanTimer("extract", turnTrace)
	extracted, err := e.extractor.Extract(ctx, userID, question, sessionID)
	timer.finish(err, map[string]int64{"memoriesExtracted": int64(len(extracted))})
	if err != nil {
		e.logger.Warn("memory extraction failed", "error", err)
		e.metrics.RecordError(ctx, "answer", ClassifyError(err))
	} else if len(extracted) > 0 {
		e.enforceMemoryCap(ctx, userID)
	}

	timer = newSpanTimer("recall", turnTrace)
	recalled, err := st.RelevantForQuery(ctx, userID, question, e.cfg.RecallLimit)
	timer.finish(err, map[string]int64{"memoriesRecalled": int64(len(recalled))})
	if err != nil {
		e.logger.Warn("memory recall failed", "error", err)
		e.metrics.RecordError(ctx, "answer", ClassifyError(err))
		recalled = nil
	}

	augmented := question
	if len(recalled) > 0 {
		augmented = store.FormatForContext(recalled) + "\n\n" + question
	}

	if e.cfg.Searcher != nil && (opts.ForceSearch || websearch.ShouldSearch(question)) {
		timer = newSpanTimer("web-search", turnTrace)
		results, err := e.cfg.Searcher.Query(ctx, question)
		timer.finish(err, map[string]int64{"searchResults": int64(len(results))})
		if err != nil {
			e.logger.Warn("web search failed", "error", err)
			e.metrics.RecordError(ctx, "answer", ClassifyError(err))
		} else if block := websearch.FormatResults(results); block != "" {
			augmented = augmented + "\n\n" + block
		}
	}

	timer = newSpanTimer("assemble", turnTrace)
	history, err := st.History(ctx, sessionID, 0)
	if err != nil {
		// Degrade to a contextless turn rather than refusing to
		// answer.
		e.logger.Warn("history load failed", "error", err)
		e.metrics.RecordError(ctx, "answer", ClassifyError(err))
		history = nil
	}
	turns := append(history, store.Turn{Role: store.RoleUser, Content: augmented})
	prompt := fitPrompt(b, renderPrompt(turns), mode)
	timer.finish(nil, map[string]int64{"promptTokens": int64(b.CountTokens(prompt))})

	if _, err := st.AppendMessage(ctx, sessionID, store.RoleUser, augmented, b.CountTokens(augmented)); err != nil {
		e.logger.Warn("persist user message failed", "error", err)
		e.metrics.RecordError(ctx, "answer", ClassifyError(err))
	}

	timer = newSpanTimer("generate", turnTrace)
	answer, genErr := e.generate(ctx, b, prompt, mode)
	timer.finish(genErr, nil)
	if genErr != nil {
		e.logger.Error("generation failed", "error", genErr, "mode", string(mode))
		e.metrics.RecordError(ctx, "answer", ClassifyError(genErr))
		answer = degradedMessage
		status = "degraded"
	}

	timer = newSpanTimer("persist", turnTrace)
	persistErr := e.persistAnswer(ctx, sessionID, answer, b.CountTokens(answer))
	timer.finish(persistErr, nil)
	if persistErr != nil {
		e.logger.Warn("persist answer failed", "error", persistErr)
		e.metrics.RecordError(ctx, "answer", ClassifyError(persistErr))
	}

	if count, err := st.MemoryCount(ctx, userID); err == nil {
		e.metrics.SetStorageCount(ctx, "memories", int64(count))
	}

	total := timeNowMs() - start
	e.metrics.RecordOperation(ctx, "answer", status, total)
	for _, span := range turnTrace.Spans {
		e.metrics.RecordStage(ctx, "answer", span.Name, span.DurationMs)
	}
	e.exportTrace(ctx, turnTrace, turnStart, mode, status, sessionID, total)

	e.mu.Lock()
	e.lastTrace = turnTrace
	e.mu.Unlock()

	return answer, nil
}

// exportTrace ships a sanitized record of the turn to the configured
// exporter. Export failures are logged, never surfaced.
func (e *Engine) exportTrace(ctx context.Context, t *TurnTrace, started time.Time, mode backend.Mode, status string, sessionID int64, totalMs int64) {
	if e.cfg.Trace == nil {
		return
	}

	record := &trace.TraceRecord{
		Timestamp:  started,
		TurnID:     t.ID,
		Operation:  "answer",
		Mode:       string(mode),
		DurationMs: totalMs,
		Status:     status,
		IDs:        map[string]interface{}{"sessionId": sessionID, "userId": e.cfg.UserID},
	}
	for _, span := range t.Spans {
		rec := trace.SpanRecord{
			Name:       span.Name,
			DurationMs: span.DurationMs,
			OK:         span.OK,
			Counters:   span.Counters,
		}
		if !span.OK {
			rec.ErrorType = ClassifyError(errors.New(span.Error))
		}
		record.Spans = append(record.Spans, rec)
	}

	if err := e.cfg.Trace.Export(ctx, record); err != nil {
		e.logger.Warn("trace export failed", "error", err)
	}
}

// generate runs one bounded generation, retrying once with a degraded
// config after resource exhaustion.
func (e *Engine) generate(ctx context.Context, b backend.Backend, prompt string, mode backend.Mode) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	defer cancel()

	cfg := e.cfg.Base.ForMode(mode)
	text, err := b.Generate(genCtx, prompt, cfg)
	if errors.Is(err, backend.ErrResourceExhausted) {
		cfg = cfg.Degrade()
		e.logger.Warn("generation exhausted resources, retrying degraded",
			"max_new_tokens", cfg.MaxNewTokens, "temperature", cfg.Temperature)
		text, err = b.Generate(genCtx, prompt, cfg)
	}
	if err != nil {
		return "", err
	}
	return postProcess(mode, text), nil
}

// persistAnswer stores the assistant message and titles the session
// after its first completed exchange.
func (e *Engine) persistAnswer(ctx context.Context, sessionID int64, answer string, tokens int) error {
	st := e.cfg.Store
	if _, err := st.AppendMessage(ctx, sessionID, store.RoleAssistant, answer, tokens); err != nil {
		return err
	}

	count, err := st.MessageCount(ctx, sessionID)
	if err != nil {
		return err
	}
	if count == 2 {
		if _, err := st.AutoTitle(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// enforceMemoryCap evicts the least important memories once the user
// crosses the cap.
func (e *Engine) enforceMemoryCap(ctx context.Context, userID int64) {
	st := e.cfg.Store
	count, err := st.MemoryCount(ctx, userID)
	if err != nil || count <= e.cfg.MemoryCap {
		return
	}
	evicted, err := st.EvictMemories(ctx, userID, e.cfg.MemoryCap)
	if err != nil {
		e.logger.Warn("memory eviction failed", "error", err)
		return
	}
	e.logger.Info("evicted memories", "count", evicted, "cap", e.cfg.MemoryCap)
}

// SwitchSession moves the engine to another of the user's sessions.
func (e *Engine) SwitchSession(ctx context.Context, sessionID int64) error {
	e.mu.Lock()
	if e.state != StateReady {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	e.mu.Unlock()

	session, err := e.cfg.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("engine: switch session: %w", err)
	}
	if session.UserID != e.cfg.UserID {
		return fmt.Errorf("engine: session %d does not belong to user %d", sessionID, e.cfg.UserID)
	}

	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
	return nil
}

// NewSession creates and activates a fresh session.
func (e *Engine) NewSession(ctx context.Context, title string) (int64, error) {
	e.mu.Lock()
	if e.state != StateReady {
		state := e.state
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	e.mu.Unlock()

	session, err := e.cfg.Store.CreateSession(ctx, e.cfg.UserID, title, e.cfg.ModelPath)
	if err != nil {
		return 0, fmt.Errorf("engine: new session: %w", err)
	}

	e.mu.Lock()
	e.sessionID = session.ID
	e.mu.Unlock()
	return session.ID, nil
}

// ClearSession drops the active session's messages but keeps the
// session itself.
func (e *Engine) ClearSession(ctx context.Context) error {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	if sessionID == 0 {
		return ErrNotReady
	}
	return e.cfg.Store.ClearMessages(ctx, sessionID)
}

// ListSessions returns the user's active sessions with message
// counts, newest first.
func (e *Engine) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	return e.cfg.Store.SessionInfos(ctx, e.cfg.UserID)
}
