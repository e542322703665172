package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/remphq/opsassist/core/cache"
	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/providers"
	"github.com/remphq/opsassist/core/sqlexec"
)

const planningSystemPrompt = `You write SQLite SELECT statements for a
facility-operations database. Rules:
- Output only the SQL statement, no prose and no code fences.
- SELECT statements only. Never modify data.
- Use only the tables and columns in the schema below.
- Prefer explicit column lists over SELECT * when few columns matter.

%s`

// runPlanning turns the message into a validated SELECT. The query
// tier is consulted first so a repeated question skips the model
// call entirely; generated statements never reach execution without
// passing validation.
func (e *Engine) runPlanning(ctx context.Context, rc *RequestContext) error {
	desc, err := e.inspector.Describe(ctx)
	if err != nil {
		return fault.New(fault.KindValidation, string(StagePlanning), "schema unavailable", err)
	}
	key := queryCacheKey(rc.Input, desc)

	if raw, ok := e.cache.Get(ctx, cache.TierQuery, key); ok {
		query := string(raw)
		if err := sqlexec.Validate(query, desc); err == nil {
			rc.SQLQuery = query
			rc.FromCache = true
			return nil
		}
		// A stale entry that no longer validates is dropped, not
		// executed.
		e.cache.Invalidate(ctx, cache.TierQuery, key)
	}

	resp, _, err := e.router.Generate(ctx, &providers.Request{
		SystemPrompt: fmt.Sprintf(planningSystemPrompt, desc.Prompt()),
		Messages:     e.planningMessages(rc),
		MaxTokens:    500,
	})
	if err != nil {
		return err
	}

	query := stripFences(resp.Content)
	if err := sqlexec.Validate(query, desc); err != nil {
		return fault.Validation(string(StagePlanning), "generated query rejected", err)
	}

	query = sqlexec.EnsureLimit(query)
	rc.SQLQuery = query
	e.cache.Set(ctx, cache.TierQuery, key, []byte(query))
	return nil
}

func (e *Engine) planningMessages(rc *RequestContext) []providers.Message {
	var b strings.Builder
	if len(rc.History) > 0 {
		b.WriteString("Conversation history:\n")
		for _, m := range rc.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 300))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Request: %s", rc.Input)
	return []providers.Message{{Role: providers.RoleUser, Content: b.String()}}
}

// queryCacheKey fingerprints the question together with the schema
// shape, so a migration naturally invalidates every cached plan.
func queryCacheKey(input string, desc *sqlexec.Descriptor) string {
	return cache.Fingerprint(cache.TierQuery, input+"\n"+desc.Prompt())
}

// stripFences removes a markdown code fence wrapper if present.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```sql")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
