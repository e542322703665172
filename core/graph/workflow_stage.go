package graph

import (
	"context"

	"github.com/remphq/opsassist/core/fault"
)

// runWorkflow executes one turn of the flow chosen by understanding.
// The flow engine owns step persistence; this stage only carries the
// outcome into the context for synthesis.
func (e *Engine) runWorkflow(ctx context.Context, rc *RequestContext) error {
	flow := rc.Flow
	if flow == "" {
		if active, err := e.workflows.Active(ctx, rc.SessionID); err == nil && active != nil {
			flow = active.FlowID
		}
	}
	if flow == "" {
		return fault.New(fault.KindValidation, string(StageWorkflow), "no flow selected", nil)
	}

	out, err := e.workflows.Run(ctx, rc.SessionID, rc.UserID, flow, rc.Input)
	if err != nil {
		return err
	}
	rc.Workflow = out

	// Flow prompts carry exact wording (menus, confirmations); they
	// reach the user as written instead of being paraphrased.
	rc.Final = out.Prompt
	if out.Aborted {
		rc.degrade(fault.New(fault.KindPersistenceConflict, string(StageWorkflow),
			"flow aborted after side effect", nil))
	}
	return nil
}
