package sqlexec

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// taskStatusLabels maps the numeric task_transaction status codes to
// the labels users see in responses.
var taskStatusLabels = map[int64]string{
	0: "Pending",
	1: "In Progress",
	2: "Completed",
	3: "Overdue",
}

// facilityStatusLabels maps the numeric facility status codes.
var facilityStatusLabels = map[int64]string{
	0: "Assigned",
	1: "In Progress",
	2: "Overdue",
	3: "Delay In Progress",
	4: "Completed",
}

var (
	dateEqPattern   = regexp.MustCompile(`=\s*'(\d{4}-\d{2}-\d{2})'`)
	stringEqPattern = regexp.MustCompile(`=\s*'([^']*[a-zA-Z][^']*)'`)
)

// ResultSet holds the rows of an executed query as ordered maps ready
// for compression. Relaxed records whether the fuzzy retry produced
// the rows instead of the original statement.
type ResultSet struct {
	Columns []string
	Rows    []map[string]any
	Relaxed bool
}

// Executor runs validated read-only statements with a per-query
// timeout. Zero-result queries are retried once with equality
// predicates relaxed to LIKE so formatting mismatches in dates and
// names do not read as empty data.
type Executor struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an Executor. A zero timeout defaults to ten
// seconds.
func NewExecutor(db *sql.DB, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, timeout: timeout, logger: logger}
}

// Query executes the statement and returns its rows with status codes
// mapped to labels. The statement must already be validated.
func (e *Executor) Query(ctx context.Context, query string) (*ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rs, err := e.run(ctx, query)
	if err != nil {
		return nil, err
	}

	if len(rs.Rows) == 0 {
		relaxed := RelaxQuery(query)
		if relaxed != query {
			e.logger.Info("zero results, retrying relaxed query", "query", relaxed)
			retried, err := e.run(ctx, relaxed)
			if err == nil && len(retried.Rows) > 0 {
				retried.Relaxed = true
				rs = retried
			}
		}
	}

	applyStatusLabels(query, rs.Rows)
	return rs, nil
}

func (e *Executor) run(ctx context.Context, query string) (*ResultSet, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, rows.Err()
}

// RelaxQuery rewrites strict equality against date and text literals
// into LIKE predicates. A date literal becomes a prefix match so
// '2025-12-01' still hits '2025-12-01 10:00:00'; other text literals
// become substring matches.
func RelaxQuery(query string) string {
	relaxed := dateEqPattern.ReplaceAllString(query, "LIKE '$1%'")
	relaxed = stringEqPattern.ReplaceAllString(relaxed, "LIKE '%$1%'")
	return relaxed
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format("2006-01-02 15:04")
	default:
		return v
	}
}

func applyStatusLabels(query string, rows []map[string]any) {
	lowered := strings.ToLower(query)
	var labels map[int64]string
	switch {
	case strings.Contains(lowered, "task_transaction"):
		labels = taskStatusLabels
	case strings.Contains(lowered, "facility"):
		labels = facilityStatusLabels
	default:
		return
	}

	for _, row := range rows {
		code, ok := statusCode(row["status"])
		if !ok {
			continue
		}
		label, known := labels[code]
		if !known {
			label = "Unknown"
		}
		row["status"] = label
	}
}

func statusCode(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	default:
		return 0, false
	}
}
