package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/remphq/opsassist/core/cache"
	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/providers"
)

const understandingSystemPrompt = `You are the intent classifier for a
facility-operations assistant. Classify the user's message as one of:
- "sql": a question answerable by querying operational data (tasks,
  facilities, schedules).
- "workflow": a request to perform a guided action. Known flows:
  "scheduling" (create a schedule), "task-update" (change a task's
  status), "help" (capability guide).
- "chat": anything else.
Respond with only a JSON object:
{"intent": "...", "flow": "...", "parameters": {}}
"flow" is set only when intent is "workflow".`

var cancelCommands = map[string]bool{
	"cancel": true, "stop": true, "reset": true, "exit": true, "quit": true,
}

var greetings = map[string]bool{
	"hi": true, "hii": true, "hello": true, "hey": true,
	"good morning": true, "good afternoon": true, "good evening": true,
}

var helpPhrases = []string{
	"what can you do", "what you can do", "capabilities",
	"how can you help", "what are your features", "menu", "help",
}

// flowAliases maps the names a classifier may emit to the catalog.
var flowAliases = map[string]string{
	"scheduling":  "scheduling",
	"scheduler":   "scheduling",
	"schedule":    "scheduling",
	"task-update": "task-update",
	"task_update": "task-update",
	"update_task": "task-update",
	"help":        "help",
}

// intentResult is the JSON shape the classifier is asked for.
type intentResult struct {
	Intent     string            `json:"intent"`
	Flow       string            `json:"flow"`
	Parameters map[string]string `json:"parameters"`
}

// runUnderstanding classifies the message. Heuristics handle cancel,
// greetings and an in-progress flow without a model call; everything
// else goes through embedding-backed retrieval and the classify
// chain. Classification failure degrades to chat rather than failing
// the request.
func (e *Engine) runUnderstanding(ctx context.Context, rc *RequestContext) error {
	lowered := strings.ToLower(strings.TrimSpace(rc.Input))

	if cancelCommands[lowered] {
		rc.Intent = IntentChat
		rc.Final = "Okay, I've cancelled the current action. How else can I help you?"
		if active, err := e.workflows.Active(ctx, rc.SessionID); err == nil && active != nil {
			if err := e.store.AbortWorkflowState(ctx, rc.SessionID); err != nil {
				e.logger.Warn("abort on cancel failed", "session", rc.SessionID, "error", err)
			}
		}
		return nil
	}

	if greetings[lowered] || containsAny(lowered, helpPhrases) {
		rc.Intent = IntentWorkflow
		rc.Flow = "help"
		return nil
	}

	// A flow mid-progress consumes the turn directly; classifying
	// menu answers like "2" or "Confirm" would misroute them.
	if active, err := e.workflows.Active(ctx, rc.SessionID); err == nil && active != nil {
		rc.Intent = IntentWorkflow
		rc.Flow = active.FlowID
		return nil
	}

	// The embedding fetch and the history load are independent.
	var wg sync.WaitGroup
	var vector []float32
	wg.Add(1)
	go func() {
		defer wg.Done()
		vector = e.embedding(ctx, rc.Input)
	}()

	history, err := e.store.RecentHistory(ctx, rc.SessionID, 5)
	if err != nil {
		e.logger.Warn("history load failed", "session", rc.SessionID, "error", err)
	}
	rc.History = history
	wg.Wait()

	if vector != nil {
		snippets, err := e.index.Query(ctx, vector, 5)
		if err != nil {
			e.logger.Warn("similarity lookup failed", "session", rc.SessionID, "error", err)
		}
		rc.Snippets = snippets
	}

	resp, _, err := e.router.Classify(ctx, &providers.Request{
		SystemPrompt: understandingSystemPrompt,
		Messages:     e.classifyMessages(rc),
		MaxTokens:    300,
	})
	if err != nil {
		rc.Intent = IntentChat
		rc.degrade(fault.ProviderExhausted(string(StageUnderstanding), err))
		return nil
	}

	var parsed intentResult
	if err := json.Unmarshal(extractJSON(resp.Content), &parsed); err != nil {
		rc.Intent = IntentChat
		rc.degrade(fault.New(fault.KindValidation, string(StageUnderstanding),
			"unparseable classification", err))
		return nil
	}

	switch parsed.Intent {
	case "sql":
		rc.Intent = IntentSQL
	case "workflow":
		flow, ok := flowAliases[strings.ToLower(parsed.Flow)]
		if !ok {
			rc.Intent = IntentChat
			break
		}
		rc.Intent = IntentWorkflow
		rc.Flow = flow
	case "chat":
		rc.Intent = IntentChat
	default:
		rc.Intent = IntentUnknown
	}
	for k, v := range parsed.Parameters {
		rc.Params[k] = v
	}
	return nil
}

// embedding returns the embedding for the normalized input, consulting
// the short-TTL embedding tier first. A nil return means retrieval is
// skipped for this turn; classification still proceeds.
func (e *Engine) embedding(ctx context.Context, input string) []float32 {
	key := cache.Fingerprint(cache.TierEmbedding, input)

	if raw, ok := e.cache.Get(ctx, cache.TierEmbedding, key); ok {
		var vector []float32
		if err := json.Unmarshal(raw, &vector); err == nil {
			return vector
		}
	}

	vector, _, err := e.router.Embed(ctx, cache.Normalize(input))
	if err != nil {
		e.logger.Warn("embedding unavailable", "error", err)
		return nil
	}
	if raw, err := json.Marshal(vector); err == nil {
		e.cache.Set(ctx, cache.TierEmbedding, key, raw)
	}
	return vector
}

func (e *Engine) classifyMessages(rc *RequestContext) []providers.Message {
	var b strings.Builder
	if len(rc.History) > 0 {
		b.WriteString("Conversation history:\n")
		for _, m := range rc.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 500))
		}
		b.WriteString("\n")
	}
	if len(rc.Snippets) > 0 {
		b.WriteString("Related records:\n")
		for _, s := range rc.Snippets {
			fmt.Fprintf(&b, "- %s\n", truncate(s.Content, 200))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current input: %s", rc.Input)
	return []providers.Message{{Role: providers.RoleUser, Content: b.String()}}
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// extractJSON pulls the first balanced JSON object out of a model
// reply, tolerating prose or code fences around it.
func extractJSON(s string) []byte {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return []byte(s)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1])
			}
		}
	}
	return []byte(s[start:])
}
