// Package fault defines the typed failure taxonomy shared by the
// orchestrator and its stage handlers. Every stage failure is converted
// into one of these kinds at the stage boundary and attached to the
// request context as a degraded note; failures never unwind a traversal.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing and user-facing rendering.
type Kind string

const (
	// KindValidation marks a malformed or unsafe generated query,
	// recovered locally by routing to a degraded synthesis.
	KindValidation Kind = "validation"

	// KindProviderExhausted marks a capability for which every configured
	// model backend was unavailable.
	KindProviderExhausted Kind = "provider_exhausted"

	// KindExecutionTimeout marks a relational store or search index call
	// that exceeded its budget after one retry.
	KindExecutionTimeout Kind = "execution_timeout"

	// KindPersistenceConflict marks a workflow state conditional update
	// that lost a race with a concurrent step transition.
	KindPersistenceConflict Kind = "persistence_conflict"

	// KindBusy marks a request for a session already mid-traversal.
	KindBusy Kind = "busy"

	// KindRejectedInput marks input blocked before a traversal starts.
	KindRejectedInput Kind = "rejected_input"
)

// Fault is a typed failure carrying the classification kind, the stage
// that produced it, and an operator-facing cause. The cause is never
// rendered to the user; Note is.
type Fault struct {
	Kind  Kind
	Stage string
	Note  string
	Cause error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", f.Kind, f.Stage, f.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", f.Kind, f.Stage, f.Note)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// New constructs a Fault with a user-facing note.
func New(kind Kind, stage, note string, cause error) *Fault {
	return &Fault{Kind: kind, Stage: stage, Note: note, Cause: cause}
}

// Validation marks a generated query that failed the safety validator.
func Validation(stage, note string, cause error) *Fault {
	return New(KindValidation, stage, note, cause)
}

// ProviderExhausted marks a capability with no usable backend.
func ProviderExhausted(stage string, cause error) *Fault {
	return New(KindProviderExhausted, stage,
		"the assistant is temporarily running without its language model", cause)
}

// ExecutionTimeout marks an external call that exceeded its budget.
func ExecutionTimeout(stage string, cause error) *Fault {
	return New(KindExecutionTimeout, stage,
		"a backing service took too long to answer", cause)
}

// PersistenceConflict marks a lost workflow step race.
func PersistenceConflict(stage string, cause error) *Fault {
	return New(KindPersistenceConflict, stage,
		"this task was updated from another device, please retry the step", cause)
}

// Busy marks a second concurrent request for a session.
func Busy(sessionID string) *Fault {
	return New(KindBusy, "orchestrator",
		"a previous request for this conversation is still running", fmt.Errorf("session %s busy", sessionID))
}

// RejectedInput marks input blocked by the guardrail check.
func RejectedInput(note string) *Fault {
	return New(KindRejectedInput, "orchestrator", note, nil)
}

// KindOf extracts the Kind from an error chain, or "" when the error is
// not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err carries the given fault kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
