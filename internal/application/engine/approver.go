package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// ApproverResolver evaluates approver-selector expressions from approval
// chain slots. Selectors are expr expressions over the instance context;
// compiled programs are cached per expression.
type ApproverResolver struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewApproverResolver creates a resolver with an initialized program cache
func NewApproverResolver() *ApproverResolver {
	return &ApproverResolver{cache: make(map[string]*vm.Program)}
}

// selectorEnv builds the evaluation environment a selector sees
func selectorEnv(inst *workflow.Instance, stage *workflow.StageDefinition, slot workflow.ApproverSlot) map[string]interface{} {
	return map[string]interface{}{
		"entity_type": string(inst.EntityRef.Type),
		"entity_id":   inst.EntityRef.ID,
		"stage_id":    stage.ID,
		"slot_order":  slot.Order,
	}
}

// Resolve evaluates the slot's selector for the given instance and returns
// the approver ID it selects. The expression must evaluate to a non-empty
// string.
func (r *ApproverResolver) Resolve(inst *workflow.Instance, stage *workflow.StageDefinition, slot workflow.ApproverSlot) (string, error) {
	env := selectorEnv(inst, stage, slot)

	program, err := r.compile(slot.ApproverSelector, env)
	if err != nil {
		return "", err
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("evaluate approver selector %q: %w", slot.ApproverSelector, err)
	}

	approver, ok := out.(string)
	if !ok || approver == "" {
		return "", fmt.Errorf("%w: selector %q did not yield an approver id", workflow.ErrUnknownApprover, slot.ApproverSelector)
	}
	return approver, nil
}

// Compile checks that a selector expression is well-formed, without running
// it. The registry uses this to validate definitions at registration time.
func (r *ApproverResolver) Compile(selector string) error {
	_, err := r.compile(selector, map[string]interface{}{
		"entity_type": "",
		"entity_id":   "",
		"stage_id":    "",
		"slot_order":  0,
	})
	return err
}

func (r *ApproverResolver) compile(selector string, env map[string]interface{}) (*vm.Program, error) {
	r.mu.RLock()
	program, ok := r.cache[selector]
	r.mu.RUnlock()
	if ok {
		return program, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if program, ok = r.cache[selector]; ok {
		return program, nil
	}

	program, err := expr.Compile(selector, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("%w: compile approver selector %q: %v", workflow.ErrValidation, selector, err)
	}
	r.cache[selector] = program
	return program, nil
}
