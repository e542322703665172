package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	updateEntry = iota
	updateSelectTask
	updateSelectStatus
	updateConfirm
	updateDone
)

var updateStatusCodes = map[string]int64{
	"Pending":     0,
	"In Progress": 1,
	"Completed":   2,
}

var updateStatusLabels = []string{"Pending", "In Progress", "Completed"}

// TaskUpdateFlow lets a user move one of their open tasks to a new
// status, with an explicit confirmation before the write.
type TaskUpdateFlow struct {
	db *sql.DB
}

// NewTaskUpdateFlow creates the task-update flow over the given
// database handle.
func NewTaskUpdateFlow(db *sql.DB) *TaskUpdateFlow {
	return &TaskUpdateFlow{db: db}
}

func (f *TaskUpdateFlow) Name() string { return "task-update" }

func (f *TaskUpdateFlow) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	switch req.Step {
	case updateEntry:
		return f.promptTasks(ctx, req, "")

	case updateSelectTask:
		opts := contextOptions(req.Context, "task_options")
		idx, ok := resolveSelection(req.Input, optionLabels(opts))
		if !ok {
			return f.promptTasks(ctx, req, "I didn't recognize that task. Please pick one of the options.")
		}
		req.Context["task_id"] = opts[idx].ID
		req.Context["task_name"] = opts[idx].Name
		return StepResult{
			NextStep: updateSelectStatus,
			Prompt:   fmt.Sprintf("Update status for %q:", opts[idx].Name),
			Options:  updateStatusLabels,
			Context:  req.Context,
		}, nil

	case updateSelectStatus:
		idx, ok := resolveSelection(req.Input, updateStatusLabels)
		if !ok {
			return StepResult{
				Retry:   true,
				Prompt:  "Invalid status. Please select:",
				Options: updateStatusLabels,
				Context: req.Context,
			}, nil
		}
		status := updateStatusLabels[idx]
		req.Context["new_status"] = status
		return StepResult{
			NextStep: updateConfirm,
			Prompt:   fmt.Sprintf("Confirm updating %q to %q?", req.Context["task_name"], status),
			Options:  []string{"Confirm", "Cancel"},
			Context:  req.Context,
		}, nil

	case updateConfirm:
		if !strings.EqualFold(strings.TrimSpace(req.Input), "confirm") {
			return StepResult{
				NextStep: updateDone,
				Done:     true,
				Prompt:   "Update cancelled.",
				Context:  req.Context,
			}, nil
		}
		taskName, _ := req.Context["task_name"].(string)
		status, _ := req.Context["new_status"].(string)
		return StepResult{
			NextStep: updateDone,
			Done:     true,
			Prompt:   fmt.Sprintf("Task %q updated to %s.", taskName, status),
			Context:  req.Context,
			Effect: func(ctx context.Context) error {
				return f.updateStatus(ctx, optionID(req.Context["task_id"]), status)
			},
		}, nil
	}

	return StepResult{}, fmt.Errorf("task-update: no step %d", req.Step)
}

func (f *TaskUpdateFlow) promptTasks(ctx context.Context, req StepRequest, nudge string) (StepResult, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT id, title, status FROM task_transaction
		 WHERE status != 2 AND (assigned_to = ? OR assigned_to IS NULL)
		 ORDER BY id DESC LIMIT 10`, req.UserID)
	if err != nil {
		return StepResult{}, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	statusNames := map[int64]string{0: "Pending", 1: "In Progress", 3: "Overdue"}
	var opts []option
	for rows.Next() {
		var (
			id, status int64
			title      string
		)
		if err := rows.Scan(&id, &title, &status); err != nil {
			return StepResult{}, err
		}
		label, ok := statusNames[status]
		if !ok {
			label = "Unknown"
		}
		opts = append(opts, option{ID: id, Name: fmt.Sprintf("%s (#%d) - %s", title, id, label)})
	}
	if err := rows.Err(); err != nil {
		return StepResult{}, err
	}

	if len(opts) == 0 {
		return StepResult{
			NextStep: updateDone,
			Done:     true,
			Prompt:   "No active tasks found for you.",
			Context:  req.Context,
		}, nil
	}

	storeOptions(req.Context, "task_options", opts)
	prompt := "Select a task to update:"
	if nudge != "" {
		prompt = nudge
	}
	return StepResult{
		NextStep: updateSelectTask,
		Prompt:   prompt,
		Options:  append(optionLabels(opts), "Cancel"),
		Context:  req.Context,
	}, nil
}

func (f *TaskUpdateFlow) updateStatus(ctx context.Context, taskID int64, status string) error {
	code, ok := updateStatusCodes[status]
	if !ok {
		code = 1
	}
	_, err := f.db.ExecContext(ctx,
		`UPDATE task_transaction SET status = ? WHERE id = ?`, code, taskID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", taskID, err)
	}
	return nil
}
