package store

import (
	"context"
	"fmt"
	"time"
)

// UsageRecord captures the cost of one provider call.
type UsageRecord struct {
	SessionID    string
	TraceID      string
	Provider     string
	Capability   string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// RecordUsage persists a usage metric row. Written by synthesis after
// the response has been emitted; failures are the caller's to log, a
// lost metric never fails a request.
func (s *Store) RecordUsage(ctx context.Context, rec UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_metrics
		 (session_id, trace_id, provider, capability, input_tokens, output_tokens, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TraceID, rec.Provider, rec.Capability,
		rec.InputTokens, rec.OutputTokens, rec.Latency.Milliseconds())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
