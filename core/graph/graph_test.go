package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remphq/opsassist/core/cache"
	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/providers"
	"github.com/remphq/opsassist/core/router"
	"github.com/remphq/opsassist/core/search"
	"github.com/remphq/opsassist/core/sqlexec"
	"github.com/remphq/opsassist/core/store"
	"github.com/remphq/opsassist/core/workflow"
)

// scriptedAdapter fakes a model backend. Generate answers from the
// system prompt so the classify and planning chains can be scripted
// independently.
type scriptedAdapter struct {
	mu sync.Mutex

	classifyJSON string
	sql          string
	streamText   string

	generateErr error
	gate        chan struct{}
	streamGate  chan struct{}

	embedCalls    int
	generateCalls int
	streamCalls   int
}

func (a *scriptedAdapter) Name() string                         { return "scripted" }
func (a *scriptedAdapter) Supports(c providers.Capability) bool { return true }

func (a *scriptedAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	a.mu.Lock()
	a.embedCalls++
	a.mu.Unlock()
	return []float32{1, 0, 0}, nil
}

func (a *scriptedAdapter) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	a.mu.Lock()
	a.generateCalls++
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if a.generateErr != nil {
		return nil, a.generateErr
	}
	content := a.classifyJSON
	if strings.Contains(req.SystemPrompt, "SELECT") {
		content = a.sql
	}
	return &providers.Response{Content: content, Model: "scripted"}, nil
}

func (a *scriptedAdapter) StreamWithHandler(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	a.mu.Lock()
	a.streamCalls++
	streamGate := a.streamGate
	a.mu.Unlock()
	for i, word := range strings.SplitAfter(a.streamText, " ") {
		// The gate holds the stream between the first and second token.
		if i == 1 && streamGate != nil {
			<-streamGate
		}
		if err := handler(&providers.StreamChunk{Index: i, Type: providers.ChunkTypeText, Text: word}); err != nil {
			return err
		}
	}
	return handler(&providers.StreamChunk{
		Type:  providers.ChunkTypeEnd,
		Usage: &providers.Usage{InputTokens: 10, OutputTokens: 5},
	})
}

// mapBackend is a deterministic cache backend for tests.
type mapBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapBackend() *mapBackend { return &mapBackend{data: make(map[string][]byte)} }

func (m *mapBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type testHarness struct {
	engine  *Engine
	store   *store.Store
	cache   *cache.Tiered
	adapter *scriptedAdapter
}

func newHarness(t *testing.T, adapter *scriptedAdapter) *testHarness {
	t.Helper()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().Exec(`
		INSERT INTO scheduler_slot (id, name, starts_at) VALUES
			(1, 'Morning (08:00)', '2026-09-01 08:00:00');
		INSERT INTO facility (id, name, status) VALUES
			(1, 'North Plant', 1),
			(2, 'South Warehouse', 0);
		INSERT INTO task_transaction (id, facility_id, title, status, assigned_to) VALUES
			(1, 1, 'Replace filter', 0, 's1'),
			(2, 1, 'Inspect pump', 0, 's1'),
			(3, 2, 'Calibrate sensor', 0, 's1'),
			(4, 2, 'Repaint lines', 1, 's1');
	`)
	require.NoError(t, err)

	idx, err := search.NewHybridIndex("", 64)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	r := router.New(router.Config{}, slog.Default())
	r.Register(adapter)

	tiered := cache.New(newMapBackend(), cache.DefaultTTLs(), slog.Default())
	flows := workflow.NewEngine(st, slog.Default(),
		workflow.NewSchedulingFlow(st.DB()),
		workflow.NewTaskUpdateFlow(st.DB()),
		workflow.NewHelpFlow(),
	)

	eng := NewEngine(Config{
		Router:    r,
		Cache:     tiered,
		Index:     idx,
		Store:     st,
		Inspector: sqlexec.NewInspector(st.DB()),
		Executor:  sqlexec.NewExecutor(st.DB(), time.Second, slog.Default()),
		Workflows: flows,
	})
	return &testHarness{engine: eng, store: st, cache: tiered, adapter: adapter}
}

func collect(t *testing.T, events <-chan Event) (tokens []string, final *FinalPayload, errEv error) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return tokens, final, errEv
			}
			switch ev.Type {
			case EventToken:
				tokens = append(tokens, ev.Token)
			case EventFinal:
				final = ev.Final
			case EventError:
				errEv = ev.Err
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestScheduleRequestStartsFlow(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "workflow", "flow": "scheduling", "parameters": {}}`,
	}
	h := newHarness(t, adapter)

	events, err := h.engine.Submit(context.Background(), "s1", "schedule an inspection for tomorrow")
	require.NoError(t, err)
	_, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)

	assert.Equal(t, "scheduling", final.Flow)
	assert.Contains(t, final.Text, "time slot")
	assert.Contains(t, final.Options, "Morning (08:00)")

	state, err := h.store.LoadWorkflowState(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "scheduling", state.FlowID)
	assert.Equal(t, store.FlowInProgress, state.Status)
}

func TestActiveFlowBypassesClassifier(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "workflow", "flow": "scheduling", "parameters": {}}`,
		streamText:   "unused",
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	events, err := h.engine.Submit(ctx, "s1", "create a schedule")
	require.NoError(t, err)
	collect(t, events)
	callsAfterStart := adapter.generateCalls

	// Menu answers must reach the flow, not the classifier.
	events, err = h.engine.Submit(ctx, "s1", "1")
	require.NoError(t, err)
	_, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)
	assert.Contains(t, final.Text, "facility")
	assert.Equal(t, callsAfterStart, adapter.generateCalls)
}

func TestCachedQueryFingerprintSkipsProvider(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "sql", "parameters": {}}`,
		streamText:   "There are three pending tasks.",
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	input := "how many tasks are pending"
	desc, err := sqlexec.NewInspector(h.store.DB()).Describe(ctx)
	require.NoError(t, err)
	h.cache.Set(ctx, cache.TierQuery, queryCacheKey(input, desc),
		[]byte("SELECT id, title, status FROM task_transaction WHERE status = 0 LIMIT 200"))

	events, err := h.engine.Submit(ctx, "s1", input)
	require.NoError(t, err)
	tokens, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)

	// Classification is the only generate call; planning was served
	// from the query tier.
	assert.Equal(t, 1, adapter.generateCalls)
	assert.NotEmpty(t, tokens)

	assert.NotNil(t, final.Data)
	assert.NotEmpty(t, final.Lookup)
	assert.Contains(t, final.Lookup, "Pending")
}

func TestRepeatedQuestionReplaysCachedResponse(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "chat", "parameters": {}}`,
		streamText:   "Hello there.",
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	events, err := h.engine.Submit(ctx, "s1", "tell me something")
	require.NoError(t, err)
	_, first, _ := collect(t, events)
	require.NotNil(t, first)
	assert.False(t, first.Cached)

	// Fresh session so the aggregate (which includes history) is
	// identical to the first request's.
	events, err = h.engine.Submit(ctx, "s2", "tell me something")
	require.NoError(t, err)
	tokens, second, _ := collect(t, events)
	require.NotNil(t, second)

	assert.True(t, second.Cached)
	assert.Empty(t, tokens)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, adapter.streamCalls)
}

func TestSecondConcurrentSubmitIsBusy(t *testing.T) {
	gate := make(chan struct{})
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "chat", "parameters": {}}`,
		streamText:   "done",
		gate:         gate,
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	events, err := h.engine.Submit(ctx, "s1", "first request")
	require.NoError(t, err)

	_, err = h.engine.Submit(ctx, "s1", "second request")
	assert.True(t, fault.IsKind(err, fault.KindBusy))

	close(gate)
	_, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)

	events, err = h.engine.Submit(ctx, "s1", "third request")
	require.NoError(t, err)
	collect(t, events)
}

func TestClassifierFailureDegradesToChat(t *testing.T) {
	adapter := &scriptedAdapter{
		generateErr: fmt.Errorf("backend offline"),
		streamText:  "Best effort answer.",
	}
	h := newHarness(t, adapter)

	events, err := h.engine.Submit(context.Background(), "s1", "what's the status of the north plant")
	require.NoError(t, err)
	tokens, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)

	assert.Equal(t, "Best effort answer.", strings.Join(tokens, ""))
	assert.NotEmpty(t, final.Degraded)
}

func TestGreetingServesHelpWithoutModelCall(t *testing.T) {
	adapter := &scriptedAdapter{}
	h := newHarness(t, adapter)

	events, err := h.engine.Submit(context.Background(), "s1", "hello")
	require.NoError(t, err)
	_, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)

	assert.Equal(t, "help", final.Flow)
	assert.NotEmpty(t, final.Options)
	assert.Zero(t, adapter.generateCalls)
	assert.Zero(t, adapter.streamCalls)
}

func TestCancelCommandAbortsActiveFlow(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "workflow", "flow": "scheduling", "parameters": {}}`,
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	events, err := h.engine.Submit(ctx, "s1", "create a schedule")
	require.NoError(t, err)
	collect(t, events)

	events, err = h.engine.Submit(ctx, "s1", "cancel")
	require.NoError(t, err)
	_, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)
	assert.Contains(t, final.Text, "cancelled")

	state, err := h.store.LoadWorkflowState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.FlowAborted, state.Status)
}

func TestMalformedInputRejectedBeforeTraversal(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{})

	_, err := h.engine.Submit(context.Background(), "s1", "   ")
	assert.True(t, fault.IsKind(err, fault.KindRejectedInput))

	_, err = h.engine.Submit(context.Background(), "s1", strings.Repeat("a", maxInputLength+1))
	assert.True(t, fault.IsKind(err, fault.KindRejectedInput))

	_, err = h.engine.Submit(context.Background(), "", "hello")
	assert.True(t, fault.IsKind(err, fault.KindRejectedInput))

	_, err = h.engine.Submit(context.Background(), "s1", "please DROP TABLE task_transaction")
	assert.True(t, fault.IsKind(err, fault.KindRejectedInput))
}

func TestHistoryWrittenAfterResponse(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "chat", "parameters": {}}`,
		streamText:   "Noted.",
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	events, err := h.engine.Submit(ctx, "s1", "remember the maintenance window")
	require.NoError(t, err)
	collect(t, events)

	history, err := h.store.RecentHistory(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "remember the maintenance window", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "Noted.", history[1].Content)
}

// flakyExecutor fails the first n queries, then delegates.
type flakyExecutor struct {
	inner QueryExecutor

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyExecutor) Query(ctx context.Context, query string) (*sqlexec.ResultSet, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("database is locked")
	}
	return f.inner.Query(ctx, query)
}

func TestTransientQueryFailureRetriedOnce(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "sql", "parameters": {}}`,
		sql:          "SELECT id, title, status FROM task_transaction WHERE status = 0",
		streamText:   "Three tasks are pending.",
	}
	h := newHarness(t, adapter)
	flaky := &flakyExecutor{
		inner:    sqlexec.NewExecutor(h.store.DB(), time.Second, slog.Default()),
		failures: 1,
	}
	h.engine.executor = flaky

	events, err := h.engine.Submit(context.Background(), "s1", "what tasks are pending")
	require.NoError(t, err)
	_, final, errEv := collect(t, events)
	require.NoError(t, errEv)
	require.NotNil(t, final)

	assert.Equal(t, 2, flaky.calls)
	assert.NotNil(t, final.Data)
	assert.Empty(t, final.Degraded)
}

func TestQueryKeyTracksSchemaShape(t *testing.T) {
	st1, err := store.OpenMemory()
	require.NoError(t, err)
	defer st1.Close()
	st2, err := store.OpenMemory()
	require.NoError(t, err)
	defer st2.Close()
	_, err = st2.DB().Exec(`CREATE TABLE meter_reading (id INTEGER PRIMARY KEY, value REAL)`)
	require.NoError(t, err)

	ctx := context.Background()
	d1, err := sqlexec.NewInspector(st1.DB()).Describe(ctx)
	require.NoError(t, err)
	d2, err := sqlexec.NewInspector(st2.DB()).Describe(ctx)
	require.NoError(t, err)

	input := "how many tasks are pending"
	assert.Equal(t, queryCacheKey(input, d1), queryCacheKey(input, d1))
	assert.NotEqual(t, queryCacheKey(input, d1), queryCacheKey(input, d2),
		"a schema change must invalidate cached plans")
}

func TestFinalEventNotCrowdedOutByTokens(t *testing.T) {
	em := &emitter{ch: make(chan Event, 4)}

	delivered := 0
	for i := 0; i < 10; i++ {
		if em.emit(Event{Type: EventToken, Token: "t"}) {
			delivered++
		}
	}
	assert.Equal(t, 2, delivered, "token sends stop at the reserved slots")
	assert.True(t, em.emit(Event{Type: EventFinal, Final: &FinalPayload{Text: "done"}}),
		"the terminal event must always find room")

	em.close()
	assert.False(t, em.emit(Event{Type: EventToken, Token: "late"}))
}

func TestCancelledStreamPersistsDeliveredTextOnly(t *testing.T) {
	adapter := &scriptedAdapter{
		classifyJSON: `{"intent": "chat", "parameters": {}}`,
		streamText:   "Hello there operator.",
		streamGate:   make(chan struct{}),
	}
	h := newHarness(t, adapter)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := h.engine.Submit(ctx, "s1", "tell me something")
	require.NoError(t, err)

	// First token arrives, then the stream stalls on the gate.
	select {
	case ev := <-events:
		require.Equal(t, EventToken, ev.Type)
		require.Equal(t, "Hello ", ev.Token)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first token")
	}

	cancel()
	for range events {
		// Drain until the stream closes on the cancellation.
	}
	close(adapter.streamGate)

	// The detached stream finishes in the background; history must end
	// up holding only the text that reached the caller.
	require.Eventually(t, func() bool {
		history, err := h.store.RecentHistory(context.Background(), "s1", 10)
		if err != nil {
			return false
		}
		for _, m := range history {
			if m.Role == "assistant" {
				return m.Content == "Hello "
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
