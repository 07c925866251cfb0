// Package funnelfile reads funnel definitions from YAML documents.
//
// A document describes one funnel and its steps in display order:
//
//	id: welcome
//	name: Welcome series
//	status: active
//	trigger: {kind: list_signup, target_id: list-1}
//	steps:
//	  - {id: start, type: start, next: hello}
//	  - {id: hello, type: email, message_id: msg-hello, next: wait}
//	  - {id: wait, type: delay, duration: 48h, next: bought}
//	  - id: bought
//	    type: condition
//	    condition:
//	      kind: tag_present
//	      tag: purchased
//	      wait: true
//	      retry: {max_attempts: 3, interval: 24h, on_exhausted: exit, message_id: msg-nudge}
//	    next_yes: done
//	  - {id: done, type: end}
package funnelfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netsendo/funnel/pkg/api"
)

// ErrInvalidDefinition wraps every validation failure.
var ErrInvalidDefinition = errors.New("invalid funnel definition")

// Document is the YAML form of a funnel.
type Document struct {
	ID       string            `yaml:"id"`
	OwnerID  string            `yaml:"owner_id"`
	Name     string            `yaml:"name"`
	Status   api.FunnelStatus  `yaml:"status"`
	Trigger  api.Trigger       `yaml:"trigger"`
	Settings map[string]string `yaml:"settings"`
	Steps    []StepSpec        `yaml:"steps"`
}

// StepSpec is one step. Only the fields relevant to Type are read.
type StepSpec struct {
	ID       string            `yaml:"id"`
	Type     api.StepType      `yaml:"type"`
	Name     string            `yaml:"name"`
	Next     string            `yaml:"next"`
	NextYes  string            `yaml:"next_yes"`
	NextNo   string            `yaml:"next_no"`
	Variants []api.VariantLink `yaml:"variants"`

	MessageID string        `yaml:"message_id"`
	Channel   string        `yaml:"channel"`
	Duration  time.Duration `yaml:"duration"`
	At        time.Time     `yaml:"at"`

	Condition *ConditionSpec `yaml:"condition"`
	Action    *ActionSpec    `yaml:"action"`
	Split     *SplitSpec     `yaml:"split"`
	Goal      *GoalSpec      `yaml:"goal"`
}

type ConditionSpec struct {
	Kind      api.ConditionKind `yaml:"kind"`
	Tag       string            `yaml:"tag"`
	Field     string            `yaml:"field"`
	Operator  api.FieldOperator `yaml:"operator"`
	Value     string            `yaml:"value"`
	MessageID string            `yaml:"message_id"`
	URL       string            `yaml:"url"`
	TaskID    string            `yaml:"task_id"`
	Wait      bool              `yaml:"wait"`
	Retry     *RetrySpec        `yaml:"retry"`
}

type RetrySpec struct {
	MaxAttempts int                 `yaml:"max_attempts"`
	Interval    time.Duration       `yaml:"interval"`
	OnExhausted api.ExhaustedPolicy `yaml:"on_exhausted"`
	MessageID   string              `yaml:"message_id"`
}

type ActionSpec struct {
	Kind    api.ActionKind    `yaml:"kind"`
	Tag     string            `yaml:"tag"`
	ListID  string            `yaml:"list_id"`
	Field   string            `yaml:"field"`
	Value   string            `yaml:"value"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Subject string            `yaml:"subject"`
	Body    string            `yaml:"body"`
}

type SplitSpec struct {
	SampleSize      int               `yaml:"sample_size"`
	ConfidenceLevel float64           `yaml:"confidence_level"`
	Metric          api.WinningMetric `yaml:"metric"`
}

type GoalSpec struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
}

// Definition is a parsed, validated funnel ready for Engine.RegisterFunnel.
type Definition struct {
	Funnel api.Funnel
	Steps  []api.Step
}

// LoadFile reads and parses a definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("funnelfile: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("funnelfile: %s: %w", path, err)
	}
	return def, nil
}

// Load parses a definition from r.
func Load(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("funnelfile: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML definition. Unknown keys are errors.
func Parse(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: document is empty", ErrInvalidDefinition)
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return doc.Build()
}

// Build converts the document into engine types and checks the graph.
func (d Document) Build() (*Definition, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("%w: funnel %s has no steps", ErrInvalidDefinition, d.ID)
	}
	switch d.Status {
	case "", api.FunnelDraft, api.FunnelActive, api.FunnelPaused:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidDefinition, d.Status)
	}

	def := &Definition{
		Funnel: api.Funnel{
			ID:       d.ID,
			OwnerID:  d.OwnerID,
			Name:     d.Name,
			Status:   d.Status,
			Trigger:  d.Trigger,
			Settings: d.Settings,
		},
		Steps: make([]api.Step, 0, len(d.Steps)),
	}

	ids := make(map[string]bool, len(d.Steps))
	var errs []error
	for i, spec := range d.Steps {
		if ids[spec.ID] {
			errs = append(errs, fmt.Errorf("step %d: duplicate id %q", i, spec.ID))
			continue
		}
		ids[spec.ID] = true

		step, err := spec.build(i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		step.FunnelID = d.ID
		def.Steps = append(def.Steps, step)
	}

	for _, s := range def.Steps {
		links := []string{s.Next, s.NextYes, s.NextNo}
		for _, v := range s.Variants {
			links = append(links, v.Next)
		}
		for _, l := range links {
			if l != "" && !ids[l] {
				errs = append(errs, fmt.Errorf("step %s: link to unknown step %q", s.ID, l))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return def, nil
}

func (s StepSpec) build(position int) (api.Step, error) {
	step := api.Step{
		ID:       s.ID,
		Type:     s.Type,
		Name:     s.Name,
		Position: position,
		Next:     s.Next,
		NextYes:  s.NextYes,
		NextNo:   s.NextNo,
	}
	if s.ID == "" {
		return step, fmt.Errorf("step %d: id is required", position)
	}

	fail := func(format string, args ...any) (api.Step, error) {
		return step, fmt.Errorf("step %s: "+format, append([]any{s.ID}, args...)...)
	}

	switch s.Type {
	case api.StepStart, api.StepEnd:

	case api.StepEmail:
		if s.MessageID == "" {
			return fail("email needs message_id")
		}
		step.Config = api.EmailConfig{MessageID: s.MessageID, Channel: s.Channel}

	case api.StepDelay:
		if s.Duration < 0 {
			return fail("delay duration must not be negative")
		}
		step.Config = api.DelayConfig{Duration: s.Duration}

	case api.StepWaitUntil:
		if s.At.IsZero() {
			return fail("wait_until needs at")
		}
		step.Config = api.WaitUntilConfig{At: s.At}

	case api.StepCondition:
		if s.Condition == nil {
			return fail("condition block is required")
		}
		cfg, err := s.Condition.build()
		if err != nil {
			return fail("%v", err)
		}
		step.Config = cfg

	case api.StepAction:
		if s.Action == nil || s.Action.Kind == "" {
			return fail("action block with kind is required")
		}
		a := s.Action
		step.Config = api.ActionConfig{
			Kind:    a.Kind,
			Tag:     a.Tag,
			ListID:  a.ListID,
			Field:   a.Field,
			Value:   a.Value,
			URL:     a.URL,
			Headers: a.Headers,
			Subject: a.Subject,
			Body:    a.Body,
		}

	case api.StepSplit:
		if len(s.Variants) < 2 {
			return fail("split needs at least two variants")
		}
		for _, v := range s.Variants {
			if v.Weight < 0 {
				return fail("variant %s has a negative weight", v.Name)
			}
		}
		step.Variants = s.Variants
		cfg := api.SplitConfig{}
		if s.Split != nil {
			cfg = api.SplitConfig{
				SampleSize:      s.Split.SampleSize,
				ConfidenceLevel: s.Split.ConfidenceLevel,
				Metric:          s.Split.Metric,
			}
		}
		step.Config = cfg

	case api.StepGoal:
		cfg := api.GoalConfig{}
		if s.Goal != nil {
			cfg = api.GoalConfig{Name: s.Goal.Name, Value: s.Goal.Value}
		}
		step.Config = cfg

	default:
		return fail("unknown step type %q", s.Type)
	}
	return step, nil
}

func (c ConditionSpec) build() (api.ConditionConfig, error) {
	cfg := api.ConditionConfig{
		Kind:             c.Kind,
		Tag:              c.Tag,
		Field:            c.Field,
		Operator:         c.Operator,
		Value:            c.Value,
		MessageID:        c.MessageID,
		URL:              c.URL,
		TaskID:           c.TaskID,
		WaitForCondition: c.Wait,
	}
	switch c.Kind {
	case api.ConditionTagPresent:
		if c.Tag == "" {
			return cfg, errors.New("tag_present needs tag")
		}
	case api.ConditionField:
		if c.Field == "" {
			return cfg, errors.New("field condition needs field")
		}
	case api.ConditionEmailOpened, api.ConditionEmailClicked:
		if c.MessageID == "" {
			return cfg, fmt.Errorf("%s needs message_id", c.Kind)
		}
	case api.ConditionTaskCompleted:
		if c.TaskID == "" {
			return cfg, errors.New("task_completed needs task_id")
		}
	default:
		return cfg, fmt.Errorf("unknown condition kind %q", c.Kind)
	}

	if r := c.Retry; r != nil && r.MaxAttempts > 0 {
		switch r.OnExhausted {
		case "", api.ExhaustedContinue, api.ExhaustedExit, api.ExhaustedUnsubscribeExit:
		default:
			return cfg, fmt.Errorf("unknown exhaustion policy %q", r.OnExhausted)
		}
		cfg.Retry = api.RetryPolicy{
			Enabled:     true,
			MaxAttempts: r.MaxAttempts,
			Interval:    r.Interval,
			OnExhausted: r.OnExhausted,
			MessageID:   r.MessageID,
		}
	}
	return cfg, nil
}
