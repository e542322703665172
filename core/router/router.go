// Package router selects a model backend for each capability from an
// ordered fallback chain, using per-provider health records updated
// after every call attempt.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remphq/opsassist/core/providers"
)

// ErrExhausted is returned when every provider in a capability chain is
// unavailable. Callers must degrade; this error is never fatal to a
// request.
var ErrExhausted = errors.New("all providers exhausted for capability")

// Router owns the adapter set, the per-capability chains and the health
// records.
type Router struct {
	mu sync.Mutex

	adapters map[string]providers.Adapter
	chains   map[providers.Capability][]string
	health   map[string]*Health

	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Config configures the router.
type Config struct {
	// CallTimeout bounds each individual provider call. Zero means the
	// caller's context is the only bound.
	CallTimeout time.Duration
}

// New creates an empty router; providers are attached with Register in
// priority order.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		adapters:    make(map[string]providers.Adapter),
		chains:      make(map[providers.Capability][]string),
		health:      make(map[string]*Health),
		callTimeout: cfg.CallTimeout,
		logger:      logger.With("component", "router"),
		now:         time.Now,
	}
}

// Register appends the adapter to the fallback chain of every
// capability it supports. Registration order is priority order.
func (r *Router) Register(adapter providers.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Name()
	r.adapters[name] = adapter
	r.health[name] = newHealth(name)

	for _, capability := range []providers.Capability{
		providers.CapabilityEmbed,
		providers.CapabilityClassify,
		providers.CapabilityGenerate,
		providers.CapabilityStreamGenerate,
	} {
		if adapter.Supports(capability) {
			r.chains[capability] = append(r.chains[capability], name)
		}
	}
}

// Health returns a snapshot of the health record for a provider.
func (r *Router) Health(provider string) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[provider]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// candidates returns the providers to try for a capability, in order:
// the highest-priority HEALTHY provider first, then the remaining
// eligible ones; when none is HEALTHY the least-recently-failed
// DEGRADED provider leads. DOWN providers inside their cooldown are
// skipped entirely.
func (r *Router) candidates(capability providers.Capability) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var healthy, degraded []string
	for _, name := range r.chains[capability] {
		h := r.health[name]
		if !h.eligible(now) {
			continue
		}
		if h.Status == StatusHealthy {
			healthy = append(healthy, name)
		} else {
			degraded = append(degraded, name)
		}
	}

	// Least-recently-failed first among the non-healthy rest.
	for i := 0; i < len(degraded); i++ {
		for j := i + 1; j < len(degraded); j++ {
			if r.health[degraded[j]].LastFailure.Before(r.health[degraded[i]].LastFailure) {
				degraded[i], degraded[j] = degraded[j], degraded[i]
			}
		}
	}
	return append(healthy, degraded...)
}

func (r *Router) recordSuccess(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name].recordSuccess(latency)
}

func (r *Router) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name].recordFailure(r.now())
}

func (r *Router) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

// Embed requests an embedding, walking the EMBED chain. It returns the
// vector and the name of the provider that served it.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, string, error) {
	var lastErr error
	for _, name := range r.candidates(providers.CapabilityEmbed) {
		adapter := r.adapter(name)
		start := r.now()

		callCtx, cancel := r.callContext(ctx)
		vector, err := adapter.Embed(callCtx, text)
		cancel()

		if err == nil {
			r.recordSuccess(name, r.now().Sub(start))
			return vector, name, nil
		}
		lastErr = err
		r.recordFailure(name)
		r.logger.Warn("embed failed, trying next provider", "provider", name, "error", err)

		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}
	return nil, "", exhausted(providers.CapabilityEmbed, lastErr)
}

// Classify requests a completion over the CLASSIFY chain. Intent
// parsing is the caller's concern; the router only routes.
func (r *Router) Classify(ctx context.Context, req *providers.Request) (*providers.Response, string, error) {
	return r.generate(ctx, providers.CapabilityClassify, req)
}

// Generate requests a buffered completion over the GENERATE chain.
func (r *Router) Generate(ctx context.Context, req *providers.Request) (*providers.Response, string, error) {
	return r.generate(ctx, providers.CapabilityGenerate, req)
}

func (r *Router) generate(ctx context.Context, capability providers.Capability, req *providers.Request) (*providers.Response, string, error) {
	var lastErr error
	for _, name := range r.candidates(capability) {
		adapter := r.adapter(name)
		start := r.now()

		callCtx, cancel := r.callContext(ctx)
		resp, err := adapter.Generate(callCtx, req)
		cancel()

		if err == nil {
			r.recordSuccess(name, r.now().Sub(start))
			return resp, name, nil
		}
		lastErr = err
		r.recordFailure(name)
		r.logger.Warn("generate failed, trying next provider",
			"capability", capability, "provider", name, "error", err)

		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}
	return nil, "", exhausted(capability, lastErr)
}

// StreamGenerate requests a streamed completion. Fallback applies only
// until the first chunk has been handed to the caller: once tokens have
// been emitted the stream is committed and a mid-stream failure is
// surfaced, not retried on another provider.
func (r *Router) StreamGenerate(ctx context.Context, req *providers.Request, handler providers.StreamHandler) (string, error) {
	var lastErr error
	for _, name := range r.candidates(providers.CapabilityStreamGenerate) {
		adapter := r.adapter(name)
		start := r.now()

		emitted := false
		wrapped := func(chunk *providers.StreamChunk) error {
			if chunk.Type == providers.ChunkTypeText {
				emitted = true
			}
			return handler(chunk)
		}

		err := adapter.StreamWithHandler(ctx, req, wrapped)
		if err == nil {
			r.recordSuccess(name, r.now().Sub(start))
			return name, nil
		}
		lastErr = err
		r.recordFailure(name)

		if emitted || ctx.Err() != nil {
			return name, err
		}
		r.logger.Warn("stream failed before first token, trying next provider",
			"provider", name, "error", err)
	}
	return "", exhausted(providers.CapabilityStreamGenerate, lastErr)
}

func (r *Router) adapter(name string) providers.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[name]
}

func exhausted(capability providers.Capability, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrExhausted, capability, lastErr)
	}
	return fmt.Errorf("%w: %s", ErrExhausted, capability)
}
