package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/remphq/opsassist/core/cache"
	"github.com/remphq/opsassist/core/providers"
	"github.com/remphq/opsassist/core/store"
)

const synthesisSystemPrompt = `You are a concise assistant for facility
operations staff. Answer using only the context provided. When query
results are present, summarize them faithfully; never invent rows or
values. When a degraded status is present, mention that the answer may
be incomplete. Keep responses short and operational.`

// runSynthesis aggregates everything earlier stages produced into one
// response. The response tier short-circuits the model call for a
// repeated aggregate; otherwise tokens stream to the caller as they
// arrive and the full text is cached afterwards. This stage is the
// only writer of chat history and usage metrics.
func (e *Engine) runSynthesis(ctx context.Context, rc *RequestContext, em *emitter) error {
	text := rc.Final
	var provider string
	var usage *providers.Usage
	var latency time.Duration

	if text == "" {
		key := cache.Fingerprint(cache.TierResponse, e.aggregate(rc))
		if raw, ok := e.cache.Get(ctx, cache.TierResponse, key); ok {
			text = string(raw)
			rc.FromCache = true
		} else {
			text, provider, usage, latency = e.generateResponse(ctx, rc, em, key)
		}
	}

	final := &FinalPayload{
		Text:     text,
		Cached:   rc.FromCache,
		Degraded: noteSummaries(rc),
	}
	if rc.Payload != nil {
		final.Data = rc.Payload.Data
		final.Lookup = rc.Payload.Lookup
	} else if rc.SQLResult != nil {
		final.Data = rc.SQLResult.Rows
	}
	if rc.Workflow != nil {
		final.Flow = rc.Workflow.Flow
		final.Options = rc.Workflow.Options
	}
	em.emit(Event{Type: EventFinal, Final: final})

	e.persistTurn(ctx, rc, text, provider, usage, latency)
	return nil
}

// generateResponse streams a model answer, returning the text the
// caller actually received. A provider failure before the first token
// degrades to a canned answer; after the first token the partial text
// stands, since emitted tokens are never retracted. Tokens that could
// not be delivered, a cancelled stream for instance, are excluded
// from the returned text and the response is not cached.
func (e *Engine) generateResponse(ctx context.Context, rc *RequestContext, em *emitter, key string) (string, string, *providers.Usage, time.Duration) {
	var buf strings.Builder
	var usage *providers.Usage
	dropped := false

	handler := func(chunk *providers.StreamChunk) error {
		switch chunk.Type {
		case providers.ChunkTypeText:
			if em.emit(Event{Type: EventToken, Token: chunk.Text}) {
				buf.WriteString(chunk.Text)
			} else {
				dropped = true
			}
		case providers.ChunkTypeEnd:
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}
		return nil
	}

	started := time.Now()
	provider, err := e.router.StreamGenerate(ctx, &providers.Request{
		SystemPrompt: synthesisSystemPrompt,
		Messages:     []providers.Message{{Role: providers.RoleUser, Content: e.aggregate(rc)}},
		MaxTokens:    1000,
	}, handler)
	latency := time.Since(started)

	if err != nil {
		rc.degrade(faultFor(StageSynthesis, err))
		if buf.Len() > 0 {
			return buf.String(), provider, usage, latency
		}
		return e.fallbackText(rc), provider, usage, latency
	}

	text := buf.String()
	if !dropped {
		e.cache.Set(ctx, cache.TierResponse, key, []byte(text))
	}
	return text, provider, usage, latency
}

// aggregate folds the stage outputs into one deterministic context
// window. It doubles as the response-tier fingerprint input, so equal
// aggregates replay the same answer.
func (e *Engine) aggregate(rc *RequestContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n", rc.Intent)

	if len(rc.History) > 0 {
		b.WriteString("Conversation history:\n")
		for _, m := range rc.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 500))
		}
	}

	if rc.SQLQuery != "" {
		fmt.Fprintf(&b, "Query: %s\n", rc.SQLQuery)
	}
	switch {
	case rc.Payload != nil:
		raw, _ := json.Marshal(rc.Payload)
		fmt.Fprintf(&b, "Query results (compressed, ~ marks a lookup reference): %s\n", truncate(string(raw), 2500))
	case rc.SQLResult != nil:
		raw, _ := json.Marshal(rc.SQLResult.Rows)
		fmt.Fprintf(&b, "Query results: %s\n", truncate(string(raw), 2500))
		if rc.SQLResult.Relaxed {
			b.WriteString("Note: exact filters matched nothing; results are from a fuzzy match.\n")
		}
	}

	if rc.Workflow != nil {
		fmt.Fprintf(&b, "Flow %s step %d prompt: %s\n", rc.Workflow.Flow, rc.Workflow.Step, rc.Workflow.Prompt)
	}
	if len(rc.Notes) > 0 {
		fmt.Fprintf(&b, "Degraded: %s\n", strings.Join(noteSummaries(rc), "; "))
	}

	fmt.Fprintf(&b, "User message: %s", rc.Input)
	return b.String()
}

func (e *Engine) fallbackText(rc *RequestContext) string {
	if rc.SQLResult != nil && len(rc.SQLResult.Rows) > 0 {
		return fmt.Sprintf(
			"I found %d matching records but couldn't compose a summary right now. The raw results are attached.",
			len(rc.SQLResult.Rows))
	}
	return "I'm having trouble reaching a language model right now. Please try again in a moment."
}

// persistTurn writes history and metrics after the stream has ended,
// so history always reflects what the user actually received.
func (e *Engine) persistTurn(ctx context.Context, rc *RequestContext, text, provider string, usage *providers.Usage, latency time.Duration) {
	if err := e.store.AppendHistory(ctx, rc.SessionID, "user", rc.Input); err != nil {
		e.logger.Warn("history write failed", "session", rc.SessionID, "error", err)
	}
	if text != "" {
		if err := e.store.AppendHistory(ctx, rc.SessionID, "assistant", text); err != nil {
			e.logger.Warn("history write failed", "session", rc.SessionID, "error", err)
		}
	}

	if provider == "" {
		return
	}
	rec := store.UsageRecord{
		SessionID:  rc.SessionID,
		TraceID:    rc.TraceID,
		Provider:   provider,
		Capability: "stream_generate",
		Latency:    latency,
	}
	if usage != nil {
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
	}
	if err := e.store.RecordUsage(ctx, rec); err != nil {
		e.logger.Warn("metrics write failed", "session", rc.SessionID, "error", err)
	}
}

func noteSummaries(rc *RequestContext) []string {
	if len(rc.Notes) == 0 {
		return nil
	}
	out := make([]string, len(rc.Notes))
	for i, n := range rc.Notes {
		out[i] = fmt.Sprintf("%s at %s", n.Kind, n.Stage)
	}
	return out
}
