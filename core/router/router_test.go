package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remphq/opsassist/core/providers"
)

// fakeAdapter is a scriptable provider backend.
type fakeAdapter struct {
	name     string
	embedOK  bool
	fail     bool
	calls    int
	response string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Supports(capability providers.Capability) bool {
	if capability == providers.CapabilityEmbed {
		return f.embedOK
	}
	return true
}

func (f *fakeAdapter) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("%s: unavailable", f.name)
	}
	return []float32{0.1, 0.2}, nil
}

func (f *fakeAdapter) Generate(context.Context, *providers.Request) (*providers.Response, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("%s: unavailable", f.name)
	}
	return &providers.Response{Content: f.response, Model: f.name}, nil
}

func (f *fakeAdapter) StreamWithHandler(_ context.Context, _ *providers.Request, handler providers.StreamHandler) error {
	f.calls++
	if f.fail {
		return fmt.Errorf("%s: unavailable", f.name)
	}
	if err := handler(&providers.StreamChunk{Type: providers.ChunkTypeStart}); err != nil {
		return err
	}
	if err := handler(&providers.StreamChunk{Type: providers.ChunkTypeText, Text: f.response}); err != nil {
		return err
	}
	return handler(&providers.StreamChunk{Type: providers.ChunkTypeEnd, StopReason: providers.StopReasonEndTurn})
}

func newTestRouter(adapters ...*fakeAdapter) *Router {
	r := New(Config{}, nil)
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func TestSelectsHighestPriorityHealthy(t *testing.T) {
	a := &fakeAdapter{name: "a", response: "from a"}
	b := &fakeAdapter{name: "b", response: "from b"}
	r := newTestRouter(a, b)

	resp, used, err := r.Generate(context.Background(), &providers.Request{})
	require.NoError(t, err)
	assert.Equal(t, "a", used)
	assert.Equal(t, "from a", resp.Content)
	assert.Zero(t, b.calls)
}

func TestSkipsDownProvider(t *testing.T) {
	a := &fakeAdapter{name: "a", fail: true}
	b := &fakeAdapter{name: "b", response: "from b"}
	c := &fakeAdapter{name: "c", response: "from c"}
	r := newTestRouter(a, b, c)

	// Drive A to DOWN.
	for i := 0; i < downThreshold; i++ {
		r.recordFailure("a")
	}
	h, _ := r.Health("a")
	require.Equal(t, StatusDown, h.Status)

	resp, used, err := r.Generate(context.Background(), &providers.Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", used)
	assert.Equal(t, "from b", resp.Content)
	assert.Zero(t, a.calls, "DOWN provider must not be attempted inside its cooldown")
}

func TestConsecutiveFailuresPromoteNextFallback(t *testing.T) {
	a := &fakeAdapter{name: "a", fail: true}
	b := &fakeAdapter{name: "b", fail: true}
	c := &fakeAdapter{name: "c", response: "from c"}
	r := newTestRouter(a, b, c)

	for i := 0; i < downThreshold; i++ {
		r.recordFailure("a")
	}

	// B fails three consecutive times during calls; each call falls
	// through to C.
	for i := 0; i < downThreshold; i++ {
		resp, used, err := r.Generate(context.Background(), &providers.Request{})
		require.NoError(t, err)
		assert.Equal(t, "c", used)
		assert.Equal(t, "from c", resp.Content)
	}

	h, _ := r.Health("b")
	assert.Equal(t, StatusDown, h.Status)

	// Within B's cooldown, C is selected without touching B.
	before := b.calls
	_, used, err := r.Generate(context.Background(), &providers.Request{})
	require.NoError(t, err)
	assert.Equal(t, "c", used)
	assert.Equal(t, before, b.calls)
}

func TestDownProviderEligibleAfterCooldown(t *testing.T) {
	a := &fakeAdapter{name: "a", response: "back"}
	r := newTestRouter(a)

	now := time.Now()
	r.now = func() time.Time { return now }
	for i := 0; i < downThreshold; i++ {
		r.recordFailure("a")
	}
	assert.Empty(t, r.candidates(providers.CapabilityGenerate))

	r.now = func() time.Time { return now.Add(baseCooldown + time.Second) }
	require.NotEmpty(t, r.candidates(providers.CapabilityGenerate))

	resp, used, err := r.Generate(context.Background(), &providers.Request{})
	require.NoError(t, err)
	assert.Equal(t, "a", used)
	assert.Equal(t, "back", resp.Content)

	h, _ := r.Health("a")
	assert.Equal(t, StatusHealthy, h.Status, "success restores HEALTHY")
}

func TestExhaustedIsTyped(t *testing.T) {
	a := &fakeAdapter{name: "a", fail: true}
	b := &fakeAdapter{name: "b", fail: true}
	r := newTestRouter(a, b)

	_, _, err := r.Generate(context.Background(), &providers.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestEmbedChainExcludesNonEmbedders(t *testing.T) {
	a := &fakeAdapter{name: "a", embedOK: false, response: "x"}
	b := &fakeAdapter{name: "b", embedOK: true}
	r := newTestRouter(a, b)

	vector, used, err := r.Embed(context.Background(), "pump inspection")
	require.NoError(t, err)
	assert.Equal(t, "b", used)
	assert.Len(t, vector, 2)
	assert.Zero(t, a.calls)
}

func TestDegradedLeastRecentlyFailedLeads(t *testing.T) {
	a := &fakeAdapter{name: "a", response: "from a"}
	b := &fakeAdapter{name: "b", response: "from b"}
	r := newTestRouter(a, b)

	now := time.Now()
	r.now = func() time.Time { return now }
	r.recordFailure("b")
	r.now = func() time.Time { return now.Add(time.Second) }
	r.recordFailure("a")

	// Both DEGRADED; B failed longer ago so it leads despite A's
	// higher registration priority.
	order := r.candidates(providers.CapabilityGenerate)
	require.Equal(t, []string{"b", "a"}, order)
}

func TestStreamFallsBackBeforeFirstToken(t *testing.T) {
	a := &fakeAdapter{name: "a", fail: true}
	b := &fakeAdapter{name: "b", response: "hello"}
	r := newTestRouter(a, b)

	var text string
	used, err := r.StreamGenerate(context.Background(), &providers.Request{}, func(chunk *providers.StreamChunk) error {
		if chunk.Type == providers.ChunkTypeText {
			text += chunk.Text
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", used)
	assert.Equal(t, "hello", text)
}
