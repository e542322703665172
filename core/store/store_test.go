package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.LoadWorkflowState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, state, "no state before first entry")

	created, err := s.CreateWorkflowState(ctx, "sess-1", "scheduling", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created.StepIndex)
	assert.Equal(t, FlowInProgress, created.Status)

	payload, _ := json.Marshal(map[string]any{"slot_id": 3})
	require.NoError(t, s.AdvanceWorkflowState(ctx, "sess-1", 0, 1, payload, FlowInProgress))

	state, err = s.LoadWorkflowState(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.StepIndex)
	assert.Equal(t, "scheduling", state.FlowID)
	assert.JSONEq(t, `{"slot_id":3}`, string(state.Payload))
}

func TestAdvanceConflictOnStaleStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateWorkflowState(ctx, "sess-1", "scheduling", nil)
	require.NoError(t, err)
	require.NoError(t, s.AdvanceWorkflowState(ctx, "sess-1", 0, 1, nil, FlowInProgress))

	// A second writer that loaded step 0 must lose, not overwrite.
	err = s.AdvanceWorkflowState(ctx, "sess-1", 0, 1, nil, FlowInProgress)
	assert.ErrorIs(t, err, ErrStepConflict)

	state, err := s.LoadWorkflowState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.StepIndex)
}

func TestAbortedFlowRejectsAdvance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateWorkflowState(ctx, "sess-1", "task-update", nil)
	require.NoError(t, err)
	require.NoError(t, s.AbortWorkflowState(ctx, "sess-1"))

	err = s.AdvanceWorkflowState(ctx, "sess-1", 0, 1, nil, FlowInProgress)
	assert.ErrorIs(t, err, ErrStepConflict)

	state, err := s.LoadWorkflowState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, FlowAborted, state.Status)
}

func TestNewFlowSupersedesOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateWorkflowState(ctx, "sess-1", "scheduling", nil)
	require.NoError(t, err)
	require.NoError(t, s.AdvanceWorkflowState(ctx, "sess-1", 0, 2, nil, FlowComplete))

	created, err := s.CreateWorkflowState(ctx, "sess-1", "help", nil)
	require.NoError(t, err)
	assert.Equal(t, "help", created.FlowID)
	assert.Equal(t, 0, created.StepIndex)
}

func TestHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, "sess-1", "user", "how many tickets are open"))
	require.NoError(t, s.AppendHistory(ctx, "sess-1", "assistant", "There are 4 open tickets."))
	require.NoError(t, s.AppendHistory(ctx, "sess-2", "user", "unrelated"))

	messages, err := s.RecentHistory(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestRecordUsage(t *testing.T) {
	s := newTestStore(t)

	err := s.RecordUsage(context.Background(), UsageRecord{
		SessionID:    "sess-1",
		TraceID:      "trace-1",
		Provider:     "openai",
		Capability:   "generate",
		InputTokens:  120,
		OutputTokens: 48,
		Latency:      420 * time.Millisecond,
	})
	require.NoError(t, err)

	var count int
	row := s.DB().QueryRow(`SELECT COUNT(*) FROM usage_metrics WHERE session_id = 'sess-1'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
