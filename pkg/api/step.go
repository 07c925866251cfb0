package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StepType identifies the kind of node in a funnel graph.
type StepType string

const (
	StepStart     StepType = "start"
	StepEmail     StepType = "email"
	StepDelay     StepType = "delay"
	StepCondition StepType = "condition"
	StepAction    StepType = "action"
	StepSplit     StepType = "split"
	StepWaitUntil StepType = "wait_until"
	StepGoal      StepType = "goal"
	StepEnd       StepType = "end"
)

// Step is one node of a funnel graph. Links are step ids within the same
// funnel; an empty id means "no link". Steps reference each other only by id,
// so arbitrary graphs (cycles included) can be stored.
type Step struct {
	ID       string
	FunnelID string
	Type     StepType
	Name     string
	Position int

	Next    string
	NextYes string
	NextNo  string

	// Variants holds the outgoing arms of a split step.
	Variants []VariantLink

	// Config is nil for start and end steps; otherwise its concrete type
	// matches Type (see StepConfig).
	Config StepConfig
}

// VariantLink is one (variant, next) pair of a split step.
type VariantLink struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
	Next   string `json:"next" yaml:"next"`
}

// StepConfig is the type-specific configuration of a step. It is a closed
// set: EmailConfig, DelayConfig, ConditionConfig, ActionConfig, SplitConfig,
// WaitUntilConfig and GoalConfig.
type StepConfig interface {
	stepType() StepType
}

// EmailConfig sends one message to the subscriber.
type EmailConfig struct {
	MessageID string `json:"message_id"`
	// Channel is "email" (default) or "sms".
	Channel string `json:"channel,omitempty"`
}

// DelayConfig suspends the enrollment for Duration.
type DelayConfig struct {
	Duration time.Duration `json:"duration"`
}

// WaitUntilConfig suspends the enrollment until an absolute instant.
type WaitUntilConfig struct {
	At time.Time `json:"at"`
}

// GoalConfig marks a conversion point; Value is recorded on A/B assignments.
type GoalConfig struct {
	Name  string  `json:"name,omitempty"`
	Value float64 `json:"value,omitempty"`
}

// SplitConfig parameterizes the A/B test created for a split step.
type SplitConfig struct {
	SampleSize      int           `json:"sample_size,omitempty"`
	ConfidenceLevel float64       `json:"confidence_level,omitempty"`
	Metric          WinningMetric `json:"metric,omitempty"`
}

// ConditionKind selects the predicate evaluated by a condition step.
type ConditionKind string

const (
	ConditionTagPresent    ConditionKind = "tag_present"
	ConditionField         ConditionKind = "field"
	ConditionEmailOpened   ConditionKind = "email_opened"
	ConditionEmailClicked  ConditionKind = "email_clicked"
	ConditionTaskCompleted ConditionKind = "task_completed"
)

// FieldOperator compares a subscriber custom field with a literal.
type FieldOperator string

const (
	OpEquals      FieldOperator = "equals"
	OpNotEquals   FieldOperator = "not_equals"
	OpContains    FieldOperator = "contains"
	OpNotContains FieldOperator = "not_contains"
	OpGt          FieldOperator = "gt"
	OpGte         FieldOperator = "gte"
	OpLt          FieldOperator = "lt"
	OpLte         FieldOperator = "lte"
	OpIsEmpty     FieldOperator = "is_empty"
	OpIsNotEmpty  FieldOperator = "is_not_empty"
)

// ConditionConfig configures a condition step. Only the arguments relevant
// to Kind are read.
type ConditionConfig struct {
	Kind ConditionKind `json:"kind"`

	Tag       string        `json:"tag,omitempty"`
	Field     string        `json:"field,omitempty"`
	Operator  FieldOperator `json:"operator,omitempty"`
	Value     string        `json:"value,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	URL       string        `json:"url,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`

	// WaitForCondition parks the enrollment until the predicate holds
	// instead of branching immediately on a false result.
	WaitForCondition bool        `json:"wait_for_condition,omitempty"`
	Retry            RetryPolicy `json:"retry,omitempty"`
}

// ExhaustedPolicy is applied when a waiting condition runs out of retries.
type ExhaustedPolicy string

const (
	ExhaustedContinue        ExhaustedPolicy = "continue"
	ExhaustedExit            ExhaustedPolicy = "exit"
	ExhaustedUnsubscribeExit ExhaustedPolicy = "unsubscribe_exit"
)

// RetryPolicy controls reminder retries while a condition step waits.
//
// MaxAttempts counts reminders, not evaluations: MaxAttempts = 3 sends at
// most three reminders, Interval apart, before OnExhausted is applied.
type RetryPolicy struct {
	Enabled     bool            `json:"enabled,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Interval    time.Duration   `json:"interval,omitempty"`
	OnExhausted ExhaustedPolicy `json:"on_exhausted,omitempty"`
	// MessageID is the reminder to send. When empty the condition's own
	// MessageID (for opened/clicked conditions) is re-sent.
	MessageID string `json:"message_id,omitempty"`
}

// ActionKind selects the side effect performed by an action step.
type ActionKind string

const (
	ActionAddTag      ActionKind = "add_tag"
	ActionRemoveTag   ActionKind = "remove_tag"
	ActionMoveToList  ActionKind = "move_to_list"
	ActionCopyToList  ActionKind = "copy_to_list"
	ActionUnsubscribe ActionKind = "unsubscribe"
	ActionWebhook     ActionKind = "webhook"
	ActionNotifyOwner ActionKind = "notify_owner"
	ActionSetField    ActionKind = "set_field"
)

// ActionConfig configures an action step. Only the arguments relevant to
// Kind are read.
type ActionConfig struct {
	Kind ActionKind `json:"kind"`

	Tag     string            `json:"tag,omitempty"`
	ListID  string            `json:"list_id,omitempty"`
	Field   string            `json:"field,omitempty"`
	Value   string            `json:"value,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (EmailConfig) stepType() StepType     { return StepEmail }
func (DelayConfig) stepType() StepType     { return StepDelay }
func (WaitUntilConfig) stepType() StepType { return StepWaitUntil }
func (GoalConfig) stepType() StepType      { return StepGoal }
func (SplitConfig) stepType() StepType     { return StepSplit }
func (ConditionConfig) stepType() StepType { return StepCondition }
func (ActionConfig) stepType() StepType    { return StepAction }

// ErrStepConfigMismatch is returned when a step's Config does not belong to
// its Type.
var ErrStepConfigMismatch = errors.New("step config does not match step type")

// Validate checks that the step has an id and that Config matches Type.
// It does not inspect links; graph validation is left to the editor.
func (s *Step) Validate() error {
	if s.ID == "" {
		return errors.New("step id is required")
	}
	switch s.Type {
	case StepStart, StepEnd:
		if s.Config != nil {
			return fmt.Errorf("step %s: %w", s.ID, ErrStepConfigMismatch)
		}
		return nil
	case "":
		return fmt.Errorf("step %s: type is required", s.ID)
	}
	if s.Config == nil {
		// Unknown types may carry no config and fall through at runtime.
		return nil
	}
	if s.Config.stepType() != s.Type {
		return fmt.Errorf("step %s (%s) has %T: %w", s.ID, s.Type, s.Config, ErrStepConfigMismatch)
	}
	return nil
}

// EncodeStepConfig serializes a step config for storage.
func EncodeStepConfig(cfg StepConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	return json.Marshal(cfg)
}

// DecodeStepConfig restores a config previously written by EncodeStepConfig
// for a step of type t. Start, end and unknown types decode to nil.
func DecodeStepConfig(t StepType, data []byte) (StepConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var err error
	switch t {
	case StepEmail:
		var c EmailConfig
		err = json.Unmarshal(data, &c)
		return c, err
	case StepDelay:
		var c DelayConfig
		err = json.Unmarshal(data, &c)
		return c, err
	case StepWaitUntil:
		var c WaitUntilConfig
		err = json.Unmarshal(data, &c)
		return c, err
	case StepGoal:
		var c GoalConfig
		err = json.Unmarshal(data, &c)
		return c, err
	case StepSplit:
		var c SplitConfig
		err = json.Unmarshal(data, &c)
		return c, err
	case StepCondition:
		var c ConditionConfig
		err = json.Unmarshal(data, &c)
		return c, err
	case StepAction:
		var c ActionConfig
		err = json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, nil
	}
}
