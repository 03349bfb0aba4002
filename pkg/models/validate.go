package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidDefinition indicates a malformed workflow graph, rejected at
	// save or activation time.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrInvalidTransition indicates a lifecycle transition outside the
	// allowed table.
	ErrInvalidTransition = errors.New("invalid workflow status transition")
)

// DefinitionError collects every violation found in a workflow definition so
// the editor can surface them all at once.
type DefinitionError struct {
	WorkflowID string
	Violations []string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Violations, "; "))
}

func (e *DefinitionError) Unwrap() error {
	return ErrInvalidDefinition
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the workflow definition for activation. It fails when the
// trigger or steps are missing, a step references an unknown target, a kind's
// config is absent or incomplete, or no terminal step is reachable from the
// entry step. The zero-violation case returns nil.
func (w *Workflow) Validate() error {
	var violations []string

	if w.Trigger == nil || w.Trigger.Kind == "" {
		violations = append(violations, "trigger is required")
	}

	if len(w.Steps) == 0 {
		violations = append(violations, "at least one step is required")
	}

	ids := make(map[string]*Step, len(w.Steps))

	for _, step := range w.Steps {
		if step.ID == "" {
			violations = append(violations, "step without id")

			continue
		}

		if _, dup := ids[step.ID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate step id %q", step.ID))
		}

		ids[step.ID] = step
	}

	for _, step := range w.Steps {
		violations = append(violations, validateStep(step, ids)...)
	}

	if len(w.Steps) > 0 && len(violations) == 0 && !terminalReachable(w) {
		violations = append(violations, "no terminal step is reachable from the entry step")
	}

	if len(violations) > 0 {
		return &DefinitionError{WorkflowID: w.ID, Violations: violations}
	}

	return nil
}

func validateStep(step *Step, ids map[string]*Step) []string {
	var violations []string

	checkTarget := func(field, target string) {
		if _, ok := ids[target]; !ok {
			violations = append(violations, fmt.Sprintf("step %q: %s references unknown step %q", step.ID, field, target))
		}
	}

	if step.NextStepID != nil {
		checkTarget("next_step_id", *step.NextStepID)
	}

	switch step.Kind {
	case StepKindAction:
		violations = append(violations, validateActionConfig(step)...)

	case StepKindCondition:
		if step.Condition == nil {
			violations = append(violations, fmt.Sprintf("step %q: condition config is required", step.ID))

			break
		}

		cfg := step.Condition
		if cfg.TrueStepID == "" || cfg.FalseStepID == "" {
			violations = append(violations, fmt.Sprintf("step %q: condition requires both branch targets", step.ID))
		}

		if cfg.TrueStepID != "" {
			checkTarget("true_step_id", cfg.TrueStepID)
		}

		if cfg.FalseStepID != "" {
			checkTarget("false_step_id", cfg.FalseStepID)
		}

		if cfg.Expression == "" && (cfg.Field == "" || cfg.Operator == "") {
			violations = append(violations, fmt.Sprintf("step %q: condition requires a field comparison or an expression", step.ID))
		}

	case StepKindWait:
		if step.Wait == nil {
			violations = append(violations, fmt.Sprintf("step %q: wait config is required", step.ID))

			break
		}

		cfg := step.Wait
		if (cfg.Duration == "") == (cfg.Until == "") {
			violations = append(violations, fmt.Sprintf("step %q: wait requires exactly one of duration or until", step.ID))
		}

		if cfg.Duration != "" {
			if _, err := cfg.ParseDuration(); err != nil {
				violations = append(violations, fmt.Sprintf("step %q: invalid wait duration %q", step.ID, cfg.Duration))
			}
		}

		if cfg.Until != "" {
			if _, err := cronParser.Parse(cfg.Until); err != nil {
				violations = append(violations, fmt.Sprintf("step %q: invalid wait schedule %q", step.ID, cfg.Until))
			}
		}

	case StepKindGoTo:
		if step.GoTo == nil || step.GoTo.TargetStepID == "" {
			violations = append(violations, fmt.Sprintf("step %q: go_to requires a target step", step.ID))
		} else {
			checkTarget("target_step_id", step.GoTo.TargetStepID)
		}

	case StepKindEnd:
		// Terminal, nothing to configure.

	default:
		violations = append(violations, fmt.Sprintf("step %q: unknown kind %q", step.ID, step.Kind))
	}

	return violations
}

func validateActionConfig(step *Step) []string {
	if step.Action == nil {
		return []string{fmt.Sprintf("step %q: action config is required", step.ID)}
	}

	cfg := step.Action

	switch cfg.Channel {
	case ChannelEmail:
		if cfg.TemplateID == "" && (cfg.Subject == "" || cfg.Body == "") {
			return []string{fmt.Sprintf("step %q: email action requires a template or subject and body", step.ID)}
		}
	case ChannelSMS:
		if cfg.TemplateID == "" && cfg.Body == "" {
			return []string{fmt.Sprintf("step %q: sms action requires a template or body", step.ID)}
		}
	case ChannelApplyTag:
		if cfg.Tag == "" {
			return []string{fmt.Sprintf("step %q: apply_tag action requires a tag", step.ID)}
		}
	case ChannelUpdateField:
		if cfg.Field == "" {
			return []string{fmt.Sprintf("step %q: update_field action requires a field", step.ID)}
		}
	default:
		return []string{fmt.Sprintf("step %q: unknown action channel %q", step.ID, cfg.Channel)}
	}

	return nil
}

// successors returns the IDs a step can hand control to. An empty result means
// the step terminates the run.
func successors(step *Step) []string {
	switch step.Kind {
	case StepKindEnd:
		return nil
	case StepKindCondition:
		if step.Condition == nil {
			return nil
		}

		return []string{step.Condition.TrueStepID, step.Condition.FalseStepID}
	case StepKindGoTo:
		if step.GoTo == nil {
			return nil
		}

		return []string{step.GoTo.TargetStepID}
	default:
		if step.NextStepID == nil {
			return nil
		}

		return []string{*step.NextStepID}
	}
}

// terminalReachable walks the graph from the entry step looking for a step
// that ends the run: an explicit end, or any step with no successor.
func terminalReachable(w *Workflow) bool {
	first := w.FirstStep()
	if first == nil {
		return false
	}

	seen := make(map[string]bool, len(w.Steps))
	queue := []string{first.ID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if seen[id] {
			continue
		}

		seen[id] = true

		step, ok := w.FindStep(id)
		if !ok {
			continue
		}

		next := successors(step)
		if len(next) == 0 {
			return true
		}

		queue = append(queue, next...)
	}

	return false
}
