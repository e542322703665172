package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remphq/opsassist/core/cache"
	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/router"
	"github.com/remphq/opsassist/core/search"
	"github.com/remphq/opsassist/core/sqlexec"
	"github.com/remphq/opsassist/core/store"
	"github.com/remphq/opsassist/core/workflow"
)

const (
	// maxHops caps stage transitions per traversal so a routing cycle
	// cannot hang a request.
	maxHops = 6

	defaultStageTimeout = 30 * time.Second
	maxInputLength      = 4000
)

// blockedPhrases are rejected before a traversal starts. The SQL
// validator guards generated statements separately; this list stops
// requests that are mutation attempts on their face.
var blockedPhrases = []string{
	"drop table", "drop database", "truncate table",
	"delete from", "insert into", "alter table",
}

func blockedPhrase(input string) string {
	lowered := strings.ToLower(input)
	for _, p := range blockedPhrases {
		if strings.Contains(lowered, p) {
			return p
		}
	}
	return ""
}

// QueryExecutor is the slice of the SQL layer the execution stage
// consumes.
type QueryExecutor interface {
	Query(ctx context.Context, query string) (*sqlexec.ResultSet, error)
}

// routeKey indexes the routing table.
type routeKey struct {
	from   Stage
	intent Intent
	failed bool
}

// routes is the complete transition table. Understanding is always
// the entry stage; every path converges on synthesis.
var routes = map[routeKey]Stage{
	{StageUnderstanding, IntentSQL, false}:      StagePlanning,
	{StageUnderstanding, IntentWorkflow, false}: StageWorkflow,
	{StageUnderstanding, IntentChat, false}:     StageSynthesis,
	{StageUnderstanding, IntentUnknown, false}:  StageSynthesis,
	{StageUnderstanding, IntentSQL, true}:       StageSynthesis,
	{StageUnderstanding, IntentWorkflow, true}:  StageSynthesis,
	{StageUnderstanding, IntentChat, true}:      StageSynthesis,
	{StageUnderstanding, IntentUnknown, true}:   StageSynthesis,

	{StagePlanning, IntentSQL, false}: StageExecution,
	{StagePlanning, IntentSQL, true}:  StageSynthesis,

	{StageExecution, IntentSQL, false}: StageSynthesis,
	{StageExecution, IntentSQL, true}:  StageSynthesis,

	{StageWorkflow, IntentWorkflow, false}: StageSynthesis,
	{StageWorkflow, IntentWorkflow, true}:  StageSynthesis,

	{StageSynthesis, IntentSQL, false}:      stageDone,
	{StageSynthesis, IntentWorkflow, false}: stageDone,
	{StageSynthesis, IntentChat, false}:     stageDone,
	{StageSynthesis, IntentUnknown, false}:  stageDone,
	{StageSynthesis, IntentSQL, true}:       stageDone,
	{StageSynthesis, IntentWorkflow, true}:  stageDone,
	{StageSynthesis, IntentChat, true}:      stageDone,
	{StageSynthesis, IntentUnknown, true}:   stageDone,
}

// Engine wires the stage handlers to their backends and runs
// traversals. One engine serves many sessions concurrently; within a
// session traversals are strictly sequential.
type Engine struct {
	router    *router.Router
	cache     *cache.Tiered
	index     search.Index
	store     *store.Store
	inspector *sqlexec.Inspector
	executor  QueryExecutor
	workflows *workflow.Engine
	logger    *slog.Logger

	stageTimeout time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// Config collects the engine's collaborators.
type Config struct {
	Router    *router.Router
	Cache     *cache.Tiered
	Index     search.Index
	Store     *store.Store
	Inspector *sqlexec.Inspector
	Executor  QueryExecutor
	Workflows *workflow.Engine
	Logger    *slog.Logger

	// StageTimeout bounds each stage's calls as a group. Zero means
	// thirty seconds.
	StageTimeout time.Duration
}

// NewEngine builds an Engine from its collaborators.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return &Engine{
		router:       cfg.Router,
		cache:        cfg.Cache,
		index:        cfg.Index,
		store:        cfg.Store,
		inspector:    cfg.Inspector,
		executor:     cfg.Executor,
		workflows:    cfg.Workflows,
		logger:       logger.With("component", "graph"),
		stageTimeout: timeout,
		active:       make(map[string]bool),
	}
}

// Submit starts a traversal for one inbound message and returns its
// event stream. A second Submit for a session still mid-traversal
// fails with a busy fault before any stage runs. The returned channel
// is closed after the final or error event.
func (e *Engine) Submit(ctx context.Context, sessionID, text string) (<-chan Event, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fault.RejectedInput("empty input")
	}
	if len(trimmed) > maxInputLength {
		return nil, fault.RejectedInput("input exceeds length limit")
	}
	if sessionID == "" {
		return nil, fault.RejectedInput("missing session identifier")
	}
	if phrase := blockedPhrase(trimmed); phrase != "" {
		return nil, fault.RejectedInput(fmt.Sprintf("input contains blocked phrase %q", phrase))
	}

	if !e.acquire(sessionID) {
		return nil, fault.Busy(sessionID)
	}

	rc := &RequestContext{
		SessionID: sessionID,
		TraceID:   uuid.NewString(),
		Input:     trimmed,
		UserID:    sessionID,
		Intent:    IntentUnknown,
		Params:    make(map[string]string),
	}

	events := make(chan Event, 256)
	em := &emitter{ch: events}
	go func() {
		defer e.release(sessionID)
		defer em.close()
		e.traverse(ctx, rc, em)
	}()
	return events, nil
}

// emitter serializes event delivery so a stage still finishing in the
// background after cancellation can never write to a closed channel.
// Sends never block; with the channel buffer sized for a full
// response, a drop only happens when the consumer has stopped
// draining. The last two buffer slots are reserved for non-token
// events, so a token burst can never crowd out the terminal final or
// error event.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// emit reports whether the event was actually delivered to the stream.
func (em *emitter) emit(ev Event) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		return false
	}
	if ev.Type == EventToken && len(em.ch) >= cap(em.ch)-2 {
		return false
	}
	select {
	case em.ch <- ev:
		return true
	default:
		return false
	}
}

func (em *emitter) close() {
	em.mu.Lock()
	em.closed = true
	close(em.ch)
	em.mu.Unlock()
}

func (e *Engine) acquire(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[sessionID] {
		return false
	}
	e.active[sessionID] = true
	return true
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

// traverse walks the routing table from understanding to synthesis.
func (e *Engine) traverse(ctx context.Context, rc *RequestContext, em *emitter) {
	log := e.logger.With("session", rc.SessionID, "trace", rc.TraceID)

	stage := StageUnderstanding
	for hops := 0; stage != stageDone; hops++ {
		if err := ctx.Err(); err != nil {
			log.Info("traversal cancelled", "stage", stage)
			em.emit(Event{Type: EventError, Err: err})
			return
		}
		if hops >= maxHops {
			// Degrade instead of hanging: route the partial context to
			// synthesis so the user still gets an answer.
			rc.degrade(fault.New(fault.KindValidation, string(stage), "hop limit reached", nil))
			if stage == StageSynthesis {
				em.emit(Event{Type: EventError, Err: fmt.Errorf("traversal exceeded %d hops", maxHops)})
				return
			}
			stage = StageSynthesis
		}

		if err := e.dispatch(ctx, rc, stage, em); err != nil {
			if ctx.Err() != nil {
				em.emit(Event{Type: EventError, Err: ctx.Err()})
				return
			}
			// Synthesis is the terminal stage; a failure there has no
			// further stage to degrade into.
			if stage == StageSynthesis {
				em.emit(Event{Type: EventError, Err: err})
				return
			}
		}

		next, ok := routes[routeKey{stage, rc.Intent, rc.lastFailed()}]
		if !ok {
			next = StageSynthesis
			if stage == StageSynthesis {
				next = stageDone
			}
		}
		stage = next
	}
}

// dispatch runs one stage. The stage itself runs on a context that
// survives caller cancellation so an in-flight external call can
// finish instead of leaving half-applied writes; its result is
// discarded if the caller is gone.
func (e *Engine) dispatch(ctx context.Context, rc *RequestContext, stage Stage, em *emitter) error {
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stageTimeout)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- e.invoke(stageCtx, rc, stage, em)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() { <-done }()
		return ctx.Err()
	}
}

func (e *Engine) invoke(ctx context.Context, rc *RequestContext, stage Stage, em *emitter) error {
	started := time.Now()
	var err error
	switch stage {
	case StageUnderstanding:
		err = e.runUnderstanding(ctx, rc)
	case StagePlanning:
		err = e.runPlanning(ctx, rc)
	case StageExecution:
		err = e.runExecution(ctx, rc)
	case StageWorkflow:
		err = e.runWorkflow(ctx, rc)
	case StageSynthesis:
		err = e.runSynthesis(ctx, rc, em)
	default:
		err = fmt.Errorf("no handler for stage %s", stage)
	}

	e.logger.Debug("stage complete",
		"session", rc.SessionID, "stage", stage,
		"failed", err != nil, "elapsed", time.Since(started))

	if err != nil {
		rc.record(stage, true, err.Error())
		rc.degrade(faultFor(stage, err))
		return err
	}
	rc.record(stage, false, "")
	return nil
}

// faultFor converts a stage error into a taxonomy entry for the
// degraded-note list.
func faultFor(stage Stage, err error) *fault.Fault {
	var f *fault.Fault
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, router.ErrExhausted):
		return fault.ProviderExhausted(string(stage), err)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.ExecutionTimeout(string(stage), err)
	case errors.Is(err, store.ErrStepConflict):
		return fault.PersistenceConflict(string(stage), err)
	default:
		return fault.New(fault.KindValidation, string(stage), "stage failed", err)
	}
}
