package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Scheduling step indices. Each index names the prompt whose answer
// the step consumes.
const (
	schedEntry = iota
	schedSelectSlot
	schedSelectFacility
	schedCaptureTask
	schedCaptureAssignee
	schedCaptureEstimate
	schedDone
)

const slotPageSize = 5

// SchedulingFlow walks a user through creating a scheduled task:
// pick a time slot, pick a facility, describe the task, name an
// assignee, estimate the duration, then write the task transaction.
type SchedulingFlow struct {
	db *sql.DB
}

// NewSchedulingFlow creates the scheduling flow over the given
// database handle.
func NewSchedulingFlow(db *sql.DB) *SchedulingFlow {
	return &SchedulingFlow{db: db}
}

func (f *SchedulingFlow) Name() string { return "scheduling" }

func (f *SchedulingFlow) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	switch req.Step {
	case schedEntry:
		req.Context["slot_offset"] = int64(0)
		return f.promptSlots(ctx, req.Context, "")

	case schedSelectSlot:
		if strings.EqualFold(strings.TrimSpace(req.Input), "more") {
			req.Context["slot_offset"] = optionID(req.Context["slot_offset"]) + slotPageSize
			return f.promptSlots(ctx, req.Context, "")
		}
		opts := contextOptions(req.Context, "slot_options")
		idx, ok := resolveSelection(req.Input, optionLabels(opts))
		if !ok {
			return f.promptSlots(ctx, req.Context, "I didn't recognize that slot. Please pick one of the options.")
		}
		req.Context["slot_id"] = opts[idx].ID
		req.Context["slot_name"] = opts[idx].Name
		delete(req.Context, "slot_offset")
		return f.promptFacilities(ctx, req.Context, "")

	case schedSelectFacility:
		opts := contextOptions(req.Context, "facility_options")
		idx, ok := resolveSelection(req.Input, optionLabels(opts))
		if !ok {
			return f.promptFacilities(ctx, req.Context, "I didn't recognize that facility. Please pick one of the options.")
		}
		req.Context["facility_id"] = opts[idx].ID
		req.Context["facility_name"] = opts[idx].Name
		return StepResult{
			NextStep: schedCaptureTask,
			Prompt:   fmt.Sprintf("Perfect! What task needs to be done at %s?", opts[idx].Name),
			Context:  req.Context,
		}, nil

	case schedCaptureTask:
		title := strings.TrimSpace(req.Input)
		if title == "" {
			return StepResult{
				Retry:   true,
				Prompt:  "Please describe the task in a few words.",
				Context: req.Context,
			}, nil
		}
		req.Context["task_title"] = title
		return StepResult{
			NextStep: schedCaptureAssignee,
			Prompt:   fmt.Sprintf("Great! Who should handle %q? (say \"skip\" to assign it to yourself)", title),
			Context:  req.Context,
		}, nil

	case schedCaptureAssignee:
		assignee := strings.TrimSpace(req.Input)
		if assignee == "" || strings.EqualFold(assignee, "skip") {
			assignee = req.UserID
		}
		req.Context["assignee"] = assignee
		return StepResult{
			NextStep: schedCaptureEstimate,
			Prompt:   "Almost done! How long do you estimate this will take, in minutes?",
			Context:  req.Context,
		}, nil

	case schedCaptureEstimate:
		req.Context["estimate_minutes"] = strings.TrimSpace(req.Input)
		summary := fmt.Sprintf(
			"Done! I've scheduled %q at %s for the %s slot, assigned to %s (estimate: %s minutes).",
			req.Context["task_title"], req.Context["facility_name"],
			req.Context["slot_name"], req.Context["assignee"],
			req.Context["estimate_minutes"],
		)
		return StepResult{
			NextStep: schedDone,
			Done:     true,
			Prompt:   summary,
			Context:  req.Context,
			Effect: func(ctx context.Context) error {
				return f.writeSchedule(ctx, req.Context)
			},
		}, nil
	}

	return StepResult{}, fmt.Errorf("scheduling: no step %d", req.Step)
}

func (f *SchedulingFlow) promptSlots(ctx context.Context, flowCtx map[string]any, nudge string) (StepResult, error) {
	offset := optionID(flowCtx["slot_offset"])

	// Fetch one row beyond the page to learn whether a More option
	// should be offered.
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, name FROM scheduler_slot ORDER BY starts_at LIMIT ? OFFSET ?`,
		slotPageSize+1, offset)
	if err != nil {
		return StepResult{}, fmt.Errorf("list slots: %w", err)
	}
	opts, err := scanOptions(rows)
	if err != nil {
		return StepResult{}, err
	}

	hasMore := len(opts) > slotPageSize
	if hasMore {
		opts = opts[:slotPageSize]
	}
	storeOptions(flowCtx, "slot_options", opts)

	labels := optionLabels(opts)
	if hasMore {
		labels = append(labels, "More")
	}
	labels = append(labels, "Cancel")

	prompt := "I can help you create a schedule. Which time slot would you like?"
	if nudge != "" {
		prompt = nudge
	}
	return StepResult{
		NextStep: schedSelectSlot,
		Prompt:   prompt,
		Options:  labels,
		Context:  flowCtx,
	}, nil
}

func (f *SchedulingFlow) promptFacilities(ctx context.Context, flowCtx map[string]any, nudge string) (StepResult, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, name FROM facility ORDER BY name LIMIT 10`)
	if err != nil {
		return StepResult{}, fmt.Errorf("list facilities: %w", err)
	}
	opts, err := scanOptions(rows)
	if err != nil {
		return StepResult{}, err
	}
	storeOptions(flowCtx, "facility_options", opts)

	prompt := "Got it! Which facility is this for?"
	if nudge != "" {
		prompt = nudge
	}
	return StepResult{
		NextStep: schedSelectFacility,
		Prompt:   prompt,
		Options:  append(optionLabels(opts), "Cancel"),
		Context:  flowCtx,
	}, nil
}

func (f *SchedulingFlow) writeSchedule(ctx context.Context, flowCtx map[string]any) error {
	title, _ := flowCtx["task_title"].(string)
	assignee, _ := flowCtx["assignee"].(string)
	facilityID := optionID(flowCtx["facility_id"])
	slotID := optionID(flowCtx["slot_id"])

	_, err := f.db.ExecContext(ctx,
		`INSERT INTO task_transaction (facility_id, title, status, assigned_to, due_at)
		 VALUES (?, ?, 0, ?, (SELECT starts_at FROM scheduler_slot WHERE id = ?))`,
		facilityID, title, assignee, slotID)
	if err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	return nil
}

func scanOptions(rows *sql.Rows) ([]option, error) {
	defer rows.Close()
	var opts []option
	for rows.Next() {
		var o option
		if err := rows.Scan(&o.ID, &o.Name); err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}
	return opts, rows.Err()
}
