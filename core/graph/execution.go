package graph

import (
	"context"
	"errors"
	"time"

	"github.com/remphq/opsassist/core/codec"
	"github.com/remphq/opsassist/core/fault"
)

// compressThreshold is the row count above which result sets go
// through the reference codec before synthesis sees them.
const compressThreshold = 3

// executionRetryDelay is the pause before the single retry of a
// failed query.
const executionRetryDelay = 200 * time.Millisecond

// runExecution runs the planned query and compresses repetitive
// result sets. Any query failure, a timed-out statement or a busy
// database alike, gets one retry after a short pause before the
// stage degrades.
func (e *Engine) runExecution(ctx context.Context, rc *RequestContext) error {
	if rc.SQLQuery == "" {
		return fault.New(fault.KindValidation, string(StageExecution), "no query planned", nil)
	}

	rs, err := e.executor.Query(ctx, rc.SQLQuery)
	if err != nil && ctx.Err() == nil {
		select {
		case <-time.After(executionRetryDelay):
			rs, err = e.executor.Query(ctx, rc.SQLQuery)
		case <-ctx.Done():
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.ExecutionTimeout(string(StageExecution), err)
		}
		return fault.New(fault.KindValidation, string(StageExecution), "query failed", err)
	}
	rc.SQLResult = rs

	if len(rs.Rows) >= compressThreshold {
		rows := make([]any, len(rs.Rows))
		for i, row := range rs.Rows {
			rows[i] = row
		}
		payload, stats := codec.EncodeWithStats(rows)
		rc.Payload = &payload
		rc.Stats = &stats
	}
	return nil
}
