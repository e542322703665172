package workflow

import "context"

// HelpFlow is a one-shot flow that presents the capability guide.
type HelpFlow struct{}

// NewHelpFlow creates the help flow.
func NewHelpFlow() *HelpFlow { return &HelpFlow{} }

func (f *HelpFlow) Name() string { return "help" }

func (f *HelpFlow) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	return StepResult{
		NextStep: req.Step + 1,
		Done:     true,
		Prompt:   "Hello! I'm your operations assistant. Here's a quick guide to what I can do for you:",
		Options: []string{
			"Create a new schedule",
			"Update task status",
			"Show pending tasks",
			"List all facilities",
			"Recent completions summary",
			"Find a specific task",
		},
		Context: req.Context,
	}, nil
}
