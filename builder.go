package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

// FunnelBuilder provides a fluent API for defining funnels. Steps are
// linked in the order they are added unless a link was set explicitly:
//
//	f := funnel.New("welcome").
//	    OnListSignup("list-1").
//	    Start("start").
//	    Email("hello", "msg-hello").
//	    Delay("wait", 48*time.Hour).
//	    WaitFor("bought", funnel.TagPresent("purchased"),
//	        funnel.Retry(3).Every(24*time.Hour).Reminder("msg-nudge").ThenExit()).
//	    End("done")
//
//	if err := f.Register(ctx, engine); err != nil {
//	    log.Fatal(err)
//	}
type FunnelBuilder struct {
	funnel api.Funnel
	steps  []api.Step
	index  map[string]int
	// explicit marks steps whose Next was set by Link or Branch.
	explicit map[string]bool
}

// New creates a builder for a draft funnel with the given id.
func New(id string) *FunnelBuilder {
	if id == "" {
		panic("funnel: funnel id must not be empty")
	}
	return &FunnelBuilder{
		funnel:   api.Funnel{ID: id, Name: id, Status: api.FunnelDraft},
		index:    make(map[string]int),
		explicit: make(map[string]bool),
	}
}

// ID returns the funnel id.
func (b *FunnelBuilder) ID() string { return b.funnel.ID }

// Named sets the display name.
func (b *FunnelBuilder) Named(name string) *FunnelBuilder {
	b.funnel.Name = name
	return b
}

// OwnedBy sets the owning account.
func (b *FunnelBuilder) OwnedBy(ownerID string) *FunnelBuilder {
	b.funnel.OwnerID = ownerID
	return b
}

// OnListSignup enrolls subscribers who join listID.
func (b *FunnelBuilder) OnListSignup(listID string) *FunnelBuilder {
	b.funnel.Trigger = api.Trigger{Kind: api.TriggerListSignup, TargetID: listID}
	return b
}

// OnTagAdded enrolls subscribers who receive tag.
func (b *FunnelBuilder) OnTagAdded(tag string) *FunnelBuilder {
	b.funnel.Trigger = api.Trigger{Kind: api.TriggerTagAdded, TargetID: tag}
	return b
}

// OnFormSubmit enrolls subscribers who submit formID.
func (b *FunnelBuilder) OnFormSubmit(formID string) *FunnelBuilder {
	b.funnel.Trigger = api.Trigger{Kind: api.TriggerFormSubmit, TargetID: formID}
	return b
}

// Setting stores a free-form funnel setting such as "list_id".
func (b *FunnelBuilder) Setting(key, value string) *FunnelBuilder {
	if b.funnel.Settings == nil {
		b.funnel.Settings = make(map[string]string)
	}
	b.funnel.Settings[key] = value
	return b
}

// Active registers the funnel as active instead of draft.
func (b *FunnelBuilder) Active() *FunnelBuilder {
	b.funnel.Status = api.FunnelActive
	return b
}

// Start appends the entry step.
func (b *FunnelBuilder) Start(id string) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepStart})
}

// Email appends a step that sends messageID.
func (b *FunnelBuilder) Email(id, messageID string) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepEmail, Config: api.EmailConfig{MessageID: messageID}})
}

// SMS appends a step that sends messageID over SMS.
func (b *FunnelBuilder) SMS(id, messageID string) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepEmail, Config: api.EmailConfig{MessageID: messageID, Channel: "sms"}})
}

// Delay appends a relative wait.
func (b *FunnelBuilder) Delay(id string, d time.Duration) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepDelay, Config: api.DelayConfig{Duration: d}})
}

// WaitUntil appends a wait for an absolute instant.
func (b *FunnelBuilder) WaitUntil(id string, at time.Time) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepWaitUntil, Config: api.WaitUntilConfig{At: at}})
}

// If appends a condition evaluated once. Use Branch to route the true and
// false outcomes; otherwise both continue with the next step added.
func (b *FunnelBuilder) If(id string, cond ConditionConfig) *FunnelBuilder {
	cond.WaitForCondition = false
	return b.add(api.Step{ID: id, Type: api.StepCondition, Config: cond})
}

// WaitFor appends a condition that parks the enrollment until it holds,
// sending reminders according to retry.
func (b *FunnelBuilder) WaitFor(id string, cond ConditionConfig, retry RetryBuilder) *FunnelBuilder {
	cond.WaitForCondition = true
	cond.Retry = retry.Policy()
	return b.add(api.Step{ID: id, Type: api.StepCondition, Config: cond})
}

// Do appends an action step.
func (b *FunnelBuilder) Do(id string, action ActionConfig) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepAction, Config: action})
}

// Split appends an A/B split. Variants without a target continue with the
// next step added.
func (b *FunnelBuilder) Split(id string, cfg SplitConfig, variants ...VariantLink) *FunnelBuilder {
	if len(variants) < 2 {
		panic(fmt.Sprintf("funnel: split %q needs at least two variants", id))
	}
	return b.add(api.Step{ID: id, Type: api.StepSplit, Config: cfg, Variants: variants})
}

// Goal appends a conversion point.
func (b *FunnelBuilder) Goal(id, name string, value float64) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepGoal, Config: api.GoalConfig{Name: name, Value: value}})
}

// End appends a terminal step. Steps added after it are not linked from it.
func (b *FunnelBuilder) End(id string) *FunnelBuilder {
	return b.add(api.Step{ID: id, Type: api.StepEnd})
}

// Link sets the next step of from explicitly.
func (b *FunnelBuilder) Link(from, to string) *FunnelBuilder {
	s := b.step(from)
	s.Next = to
	b.explicit[from] = true
	return b
}

// Branch routes a condition's true and false outcomes.
func (b *FunnelBuilder) Branch(id, yes, no string) *FunnelBuilder {
	s := b.step(id)
	if s.Type != api.StepCondition {
		panic(fmt.Sprintf("funnel: Branch on non-condition step %q", id))
	}
	s.NextYes, s.NextNo = yes, no
	return b
}

func (b *FunnelBuilder) step(id string) *api.Step {
	i, ok := b.index[id]
	if !ok {
		panic(fmt.Sprintf("funnel: unknown step %q", id))
	}
	return &b.steps[i]
}

func (b *FunnelBuilder) add(s api.Step) *FunnelBuilder {
	if s.ID == "" {
		panic("funnel: step id must not be empty")
	}
	if _, dup := b.index[s.ID]; dup {
		panic(fmt.Sprintf("funnel: duplicate step id %q", s.ID))
	}

	if n := len(b.steps); n > 0 {
		prev := &b.steps[n-1]
		if prev.Type != api.StepEnd && !b.explicit[prev.ID] && prev.Next == "" {
			prev.Next = s.ID
		}
	}
	s.FunnelID = b.funnel.ID
	s.Position = len(b.steps)
	b.index[s.ID] = len(b.steps)
	b.steps = append(b.steps, s)
	return b
}

// Build returns the funnel and a copy of its steps after checking that
// every link points at a known step.
func (b *FunnelBuilder) Build() (api.Funnel, []api.Step, error) {
	if len(b.steps) == 0 {
		return api.Funnel{}, nil, fmt.Errorf("funnel %s: no steps", b.funnel.ID)
	}

	var errs []error
	for _, s := range b.steps {
		links := []string{s.Next, s.NextYes, s.NextNo}
		for _, v := range s.Variants {
			links = append(links, v.Next)
		}
		for _, l := range links {
			if _, ok := b.index[l]; l != "" && !ok {
				errs = append(errs, fmt.Errorf("step %s links to unknown step %q", s.ID, l))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return api.Funnel{}, nil, fmt.Errorf("funnel %s: %w", b.funnel.ID, err)
	}

	steps := make([]api.Step, len(b.steps))
	copy(steps, b.steps)
	f := b.funnel
	return f, steps, nil
}

// Register builds the funnel and stores it in eng.
func (b *FunnelBuilder) Register(ctx context.Context, eng Engine) error {
	f, steps, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterFunnel(ctx, f, steps)
}

// MustRegister is like Register but panics on error.
func (b *FunnelBuilder) MustRegister(ctx context.Context, eng Engine) {
	if err := b.Register(ctx, eng); err != nil {
		panic(err)
	}
}
