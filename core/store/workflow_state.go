package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// FlowStatus is the lifecycle state of a persisted workflow.
type FlowStatus string

const (
	FlowInProgress FlowStatus = "in_progress"
	FlowComplete   FlowStatus = "complete"
	FlowAborted    FlowStatus = "aborted"
)

// ErrStepConflict is returned when a conditional step update lost a
// race: the persisted step index no longer matches the step the caller
// loaded. The caller surfaces a retry rather than silently overwriting.
var ErrStepConflict = errors.New("workflow step was advanced concurrently")

// WorkflowState is the persisted step pointer for a stateful flow. At
// most one flow is active per session.
type WorkflowState struct {
	SessionID string          `json:"session_id"`
	FlowID    string          `json:"flow_id"`
	StepIndex int             `json:"step_index"`
	Payload   json.RawMessage `json:"payload"`
	Status    FlowStatus      `json:"status"`
}

// LoadWorkflowState returns the state for a session, or (nil, nil) when
// no flow has been started.
func (s *Store) LoadWorkflowState(ctx context.Context, sessionID string) (*WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, flow_id, step_index, payload, status
		 FROM workflow_state WHERE session_id = ?`, sessionID)

	var state WorkflowState
	var payload string
	err := row.Scan(&state.SessionID, &state.FlowID, &state.StepIndex, &payload, &state.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow state: %w", err)
	}
	state.Payload = json.RawMessage(payload)
	return &state, nil
}

// CreateWorkflowState starts a flow at step 0 for a session. An
// existing row for the session is replaced: flows never nest, so a new
// flow supersedes a finished or abandoned one.
func (s *Store) CreateWorkflowState(ctx context.Context, sessionID, flowID string, payload json.RawMessage) (*WorkflowState, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_state (session_id, flow_id, step_index, payload, status, updated_at)
		 VALUES (?, ?, 0, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET
			flow_id = excluded.flow_id,
			step_index = 0,
			payload = excluded.payload,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		sessionID, flowID, string(payload), FlowInProgress)
	if err != nil {
		return nil, fmt.Errorf("create workflow state: %w", err)
	}
	return &WorkflowState{
		SessionID: sessionID,
		FlowID:    flowID,
		StepIndex: 0,
		Payload:   payload,
		Status:    FlowInProgress,
	}, nil
}

// AdvanceWorkflowState moves the step pointer with a conditional
// update: the write applies only if the persisted step still equals
// expectedStep. A lost race returns ErrStepConflict so a stale reload
// can never silently overwrite a newer step.
func (s *Store) AdvanceWorkflowState(ctx context.Context, sessionID string, expectedStep, newStep int, payload json.RawMessage, status FlowStatus) error {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_state
		 SET step_index = ?, payload = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE session_id = ? AND step_index = ? AND status = ?`,
		newStep, string(payload), status, sessionID, expectedStep, FlowInProgress)
	if err != nil {
		return fmt.Errorf("advance workflow state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance workflow state: %w", err)
	}
	if affected == 0 {
		return ErrStepConflict
	}
	return nil
}

// AbortWorkflowState marks the session's flow ABORTED unconditionally.
// Used when a side effect committed but the step persistence failed;
// the flow must not silently re-run the side effect.
func (s *Store) AbortWorkflowState(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_state SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE session_id = ?`, FlowAborted, sessionID)
	if err != nil {
		return fmt.Errorf("abort workflow state: %w", err)
	}
	return nil
}
