package models

import "time"

// StepKind identifies the behavior of a workflow step.
type StepKind string

const (
	StepKindAction    StepKind = "action"
	StepKindCondition StepKind = "condition"
	StepKindWait      StepKind = "wait"
	StepKindEnd       StepKind = "end"
	StepKindGoTo      StepKind = "go_to"
)

// Channel identifies the side effect performed by an action step.
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelSMS         Channel = "sms"
	ChannelApplyTag    Channel = "apply_tag"
	ChannelUpdateField Channel = "update_field"
)

// Step is one node of the workflow graph. Steps are addressed by ID, never by
// position, so editor reorderings do not invalidate in-flight enrollments.
// The config for the step's kind lives in the matching field; exactly one must
// be set for the non-end kinds, which Workflow.Validate enforces.
type Step struct {
	ID         string   `json:"id"   validate:"required"`
	Kind       StepKind `json:"kind" validate:"required"`
	Name       string   `json:"name"`
	NextStepID *string  `json:"next_step_id,omitempty"`

	Action    *ActionConfig    `json:"action,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Wait      *WaitConfig      `json:"wait,omitempty"`
	GoTo      *GoToConfig      `json:"go_to,omitempty"`
}

// ActionConfig configures the side effect of an action step. Email and SMS
// channels require message content; apply_tag requires Tag; update_field
// requires Field.
type ActionConfig struct {
	Channel    Channel `json:"channel"               validate:"required"`
	TemplateID string  `json:"template_id,omitempty"`
	Subject    string  `json:"subject,omitempty"`
	Body       string  `json:"body,omitempty"`
	Tag        string  `json:"tag,omitempty"`
	Field      string  `json:"field,omitempty"`
	Value      any     `json:"value,omitempty"`
}

// ConditionOperator is the comparison applied by a structured condition.
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "equals"
	OperatorNotEquals ConditionOperator = "not_equals"
	OperatorContains  ConditionOperator = "contains"
	OperatorGreater   ConditionOperator = "gt"
	OperatorLess      ConditionOperator = "lt"
	OperatorExists    ConditionOperator = "exists"
	OperatorNotExists ConditionOperator = "not_exists"
)

// ConditionConfig configures a branching predicate over the contact context.
// Either a structured Field/Operator/Value comparison or a free-form
// Expression (expr-lang) must be provided, plus both branch targets.
type ConditionConfig struct {
	Field      string            `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	Expression string            `json:"expression,omitempty"`

	TrueStepID  string `json:"true_step_id"  validate:"required"`
	FalseStepID string `json:"false_step_id" validate:"required"`
}

// WaitConfig configures a suspension. Duration is a Go duration string
// ("45m", "24h"); Until is a 5-field cron expression resolved to its next
// match ("0 9 * * 1-5" waits until the next weekday 9am). Exactly one must be
// set.
type WaitConfig struct {
	Duration string `json:"duration,omitempty"`
	Until    string `json:"until,omitempty"`
}

// ParseDuration returns the relative wait as a time.Duration.
func (w WaitConfig) ParseDuration() (time.Duration, error) {
	return time.ParseDuration(w.Duration)
}

// NextUntil resolves the cron schedule to its first match after now.
func (w WaitConfig) NextUntil(now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(w.Until)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(now), nil
}

// GoToConfig configures an unconditional jump, used to author loops.
type GoToConfig struct {
	TargetStepID string `json:"target_step_id" validate:"required"`
}
