// Package workflow runs the fixed catalog of multi-step flows. A flow
// is a small state machine keyed by a numeric step index; the engine
// persists the step pointer through the relational store so a crash
// mid-flow resumes at the last committed step.
package workflow

import (
	"context"
	"strconv"
	"strings"
)

// StepRequest carries one user turn into a flow step.
type StepRequest struct {
	SessionID string
	UserID    string
	Step      int
	Input     string
	Context   map[string]any
}

// StepResult is the outcome of one flow step. Effect, when set, is a
// side effect the engine runs before committing the step transition.
// Retry keeps the step pointer where it is and re-prompts, used for
// unrecognized selections.
type StepResult struct {
	NextStep int
	Done     bool
	Retry    bool
	Prompt   string
	Options  []string
	Context  map[string]any
	Effect   func(ctx context.Context) error
}

// Flow is one entry in the catalog. Step interprets the user input
// given at the current step and returns the prompt for the next one.
type Flow interface {
	Name() string
	Step(ctx context.Context, req StepRequest) (StepResult, error)
}

// option is a selectable menu entry kept in the flow context between
// turns. IDs survive a JSON round trip as float64, so reads go
// through optionID.
type option struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// resolveSelection matches free-form user input against menu options.
// It tries an exact label match, then a 1-indexed position, then a
// substring match in either direction.
func resolveSelection(input string, labels []string) (int, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || len(labels) == 0 {
		return 0, false
	}

	for i, label := range labels {
		if strings.EqualFold(label, trimmed) {
			return i, true
		}
	}

	if n, err := strconv.Atoi(trimmed); err == nil {
		if n >= 1 && n <= len(labels) {
			return n - 1, true
		}
		return 0, false
	}

	lowered := strings.ToLower(trimmed)
	for i, label := range labels {
		l := strings.ToLower(label)
		if strings.Contains(l, lowered) || strings.Contains(lowered, l) {
			return i, true
		}
	}
	return 0, false
}

// contextOptions reads a stored option list back out of the flow
// context, tolerating the float64 IDs JSON decoding produces.
func contextOptions(flowCtx map[string]any, key string) []option {
	raw, ok := flowCtx[key]
	if !ok {
		return nil
	}

	items, ok := raw.([]any)
	if !ok {
		if typed, ok := raw.([]option); ok {
			return typed
		}
		return nil
	}

	opts := make([]option, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		opts = append(opts, option{ID: optionID(m["id"]), Name: name})
	}
	return opts
}

func optionID(v any) int64 {
	switch id := v.(type) {
	case int64:
		return id
	case int:
		return int64(id)
	case float64:
		return int64(id)
	default:
		return 0
	}
}

func optionLabels(opts []option) []string {
	labels := make([]string, len(opts))
	for i, o := range opts {
		labels[i] = o.Name
	}
	return labels
}

func storeOptions(flowCtx map[string]any, key string, opts []option) {
	stored := make([]any, len(opts))
	for i, o := range opts {
		stored[i] = map[string]any{"id": o.ID, "name": o.Name}
	}
	flowCtx[key] = stored
}
