// Package graph drives one request through the stage pipeline:
// understanding, then one of planning+execution or a workflow turn,
// converging on synthesis which streams the answer. Routing between
// stages is a finite table over (stage, intent, prior status); every
// stage failure becomes a degraded note on the request context rather
// than an error that unwinds the traversal.
package graph

import (
	"github.com/remphq/opsassist/core/codec"
	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/search"
	"github.com/remphq/opsassist/core/sqlexec"
	"github.com/remphq/opsassist/core/store"
	"github.com/remphq/opsassist/core/workflow"
)

// Intent is the classified category of a user message.
type Intent string

const (
	IntentSQL      Intent = "sql"
	IntentWorkflow Intent = "workflow"
	IntentChat     Intent = "chat"
	IntentUnknown  Intent = "unknown"
)

// Stage identifies a handler in the routing table.
type Stage string

const (
	StageUnderstanding Stage = "understanding"
	StagePlanning      Stage = "planning"
	StageExecution     Stage = "execution"
	StageWorkflow      Stage = "workflow"
	StageSynthesis     Stage = "synthesis"
	stageDone          Stage = "done"
)

// StageOutput records one stage's completion in traversal order.
type StageOutput struct {
	Stage  Stage
	Failed bool
	Detail string
}

// RequestContext is the per-request working state. It is owned by a
// single traversal goroutine from Submit until the final event is
// emitted; nothing else reads or writes it.
type RequestContext struct {
	SessionID string
	TraceID   string
	Input     string
	UserID    string

	Intent   Intent
	Flow     string
	Params   map[string]string
	History  []store.HistoryMessage
	Snippets []search.Result

	SQLQuery  string
	SQLResult *sqlexec.ResultSet
	Payload   *codec.Payload
	Stats     *codec.Stats

	Workflow *workflow.Outcome

	// Final, when set before synthesis runs, short-circuits the model
	// call. Heuristic replies (cancel, greetings) use this.
	Final     string
	FromCache bool

	Outputs []StageOutput
	Notes   []*fault.Fault
}

func (rc *RequestContext) record(stage Stage, failed bool, detail string) {
	rc.Outputs = append(rc.Outputs, StageOutput{Stage: stage, Failed: failed, Detail: detail})
}

// degrade attaches a stage failure as a note. The traversal continues;
// synthesis renders notes as a status flag on a best-effort answer.
func (rc *RequestContext) degrade(f *fault.Fault) {
	rc.Notes = append(rc.Notes, f)
}

func (rc *RequestContext) lastFailed() bool {
	if len(rc.Outputs) == 0 {
		return false
	}
	return rc.Outputs[len(rc.Outputs)-1].Failed
}

// EventType tags the entries of a response stream.
type EventType string

const (
	EventToken EventType = "token"
	EventFinal EventType = "final"
	EventError EventType = "error"
)

// Event is one entry in the response stream returned by Submit.
type Event struct {
	Type  EventType
	Token string
	Final *FinalPayload
	Err   error
}

// FinalPayload is the terminal event body: the full response text plus
// any structured data and degradation status.
type FinalPayload struct {
	Text     string   `json:"text"`
	Data     any      `json:"data,omitempty"`
	Lookup   []string `json:"lookup,omitempty"`
	Options  []string `json:"options,omitempty"`
	Flow     string   `json:"flow,omitempty"`
	Degraded []string `json:"degraded,omitempty"`
	Cached   bool     `json:"cached,omitempty"`
}
