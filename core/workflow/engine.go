package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/store"
)

// Outcome is what a single flow turn produced: the prompt to show the
// user, the menu options if any, and where the flow now stands.
type Outcome struct {
	Flow    string
	Step    int
	Done    bool
	Aborted bool
	Prompt  string
	Options []string
}

// StateStore is the slice of the relational store the engine needs
// for step pointer persistence.
type StateStore interface {
	LoadWorkflowState(ctx context.Context, sessionID string) (*store.WorkflowState, error)
	CreateWorkflowState(ctx context.Context, sessionID, flowID string, payload json.RawMessage) (*store.WorkflowState, error)
	AdvanceWorkflowState(ctx context.Context, sessionID string, expectedStep, newStep int, payload json.RawMessage, status store.FlowStatus) error
	AbortWorkflowState(ctx context.Context, sessionID string) error
}

// Engine dispatches turns to the registered flows and owns the
// persistence of their step pointers. One session has at most one
// active flow; starting a different flow supersedes the old one.
type Engine struct {
	flows  map[string]Flow
	states StateStore
	logger *slog.Logger
}

// NewEngine builds an Engine over the given flows.
func NewEngine(states StateStore, logger *slog.Logger, flows ...Flow) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	registry := make(map[string]Flow, len(flows))
	for _, f := range flows {
		registry[f.Name()] = f
	}
	return &Engine{flows: registry, states: states, logger: logger}
}

// Known reports whether a flow with the given name is registered.
func (e *Engine) Known(name string) bool {
	_, ok := e.flows[name]
	return ok
}

// Active returns the in-progress flow state for a session, or nil.
func (e *Engine) Active(ctx context.Context, sessionID string) (*store.WorkflowState, error) {
	state, err := e.states.LoadWorkflowState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Status != store.FlowInProgress {
		return nil, nil
	}
	return state, nil
}

// Run executes one turn of the named flow for the session. The step
// side effect, when present, runs before the step transition commits;
// if the commit then fails, the flow is marked aborted rather than
// left where a resume would rerun the effect.
func (e *Engine) Run(ctx context.Context, sessionID, userID, flowName, input string) (*Outcome, error) {
	flow, ok := e.flows[flowName]
	if !ok {
		return nil, fault.Validation("workflow", fmt.Sprintf("unknown flow %q", flowName), nil)
	}

	state, err := e.states.LoadWorkflowState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load workflow state: %w", err)
	}

	active := state != nil && state.Status == store.FlowInProgress && state.FlowID == flowName
	if active && strings.EqualFold(strings.TrimSpace(input), "cancel") {
		if err := e.states.AbortWorkflowState(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("abort workflow state: %w", err)
		}
		return &Outcome{Flow: flowName, Done: true, Prompt: "Okay, I've cancelled that. Anything else?"}, nil
	}

	flowCtx := map[string]any{}
	step := 0
	if active {
		step = state.StepIndex
		if len(state.Payload) > 0 {
			if err := json.Unmarshal(state.Payload, &flowCtx); err != nil {
				e.logger.Warn("discarding corrupt flow context", "session", sessionID, "error", err)
			}
			if flowCtx == nil {
				flowCtx = map[string]any{}
			}
		}
	} else {
		if state, err = e.states.CreateWorkflowState(ctx, sessionID, flowName, nil); err != nil {
			return nil, fmt.Errorf("create workflow state: %w", err)
		}
	}

	result, err := flow.Step(ctx, StepRequest{
		SessionID: sessionID,
		UserID:    userID,
		Step:      step,
		Input:     input,
		Context:   flowCtx,
	})
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Flow:    flowName,
		Step:    result.NextStep,
		Done:    result.Done,
		Prompt:  result.Prompt,
		Options: result.Options,
	}

	if result.Retry {
		out.Step = step
		return out, nil
	}

	effectRan := false
	if result.Effect != nil {
		if err := result.Effect(ctx); err != nil {
			return nil, fmt.Errorf("flow %s step %d effect: %w", flowName, step, err)
		}
		effectRan = true
	}

	payload, err := json.Marshal(result.Context)
	if err != nil {
		payload = []byte("{}")
	}

	status := store.FlowInProgress
	if result.Done {
		status = store.FlowComplete
	}
	if err := e.states.AdvanceWorkflowState(ctx, sessionID, step, result.NextStep, payload, status); err != nil {
		if errors.Is(err, store.ErrStepConflict) {
			return nil, fault.PersistenceConflict("workflow", err)
		}
		if effectRan {
			// The effect is already applied. Resuming at the old step
			// would rerun it, so the flow is closed out instead.
			if abortErr := e.states.AbortWorkflowState(ctx, sessionID); abortErr != nil {
				e.logger.Error("abort after failed advance", "session", sessionID, "error", abortErr)
			}
			out.Aborted = true
			out.Done = true
			out.Prompt = "I completed the action but could not save the flow's progress. Please verify the result before retrying."
			return out, nil
		}
		return nil, fmt.Errorf("advance workflow state: %w", err)
	}
	return out, nil
}
