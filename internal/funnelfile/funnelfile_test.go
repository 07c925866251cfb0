package funnelfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsendo/funnel/pkg/api"
)

const welcome = `
id: welcome
owner_id: acct-1
name: Welcome series
status: active
trigger: {kind: list_signup, target_id: list-1}
steps:
  - {id: start, type: start, next: hello}
  - {id: hello, type: email, message_id: msg-hello, next: wait}
  - {id: wait, type: delay, duration: 48h, next: bought}
  - id: bought
    type: condition
    condition:
      kind: tag_present
      tag: purchased
      wait: true
      retry: {max_attempts: 3, interval: 24h, on_exhausted: exit, message_id: msg-nudge}
    next_yes: subject
    next_no: done
  - id: subject
    type: split
    variants:
      - {name: short, weight: 70, next: thanks}
      - {name: long, weight: 30, next: thanks}
    split: {sample_size: 400, metric: click_rate}
  - id: thanks
    type: action
    action: {kind: webhook, url: "https://hooks.example.com/x", headers: {X-Token: abc}}
    next: launch
  - {id: launch, type: wait_until, at: 2025-06-01T09:00:00Z, next: bought-goal}
  - id: bought-goal
    type: goal
    goal: {name: upsell, value: 19.5}
    next: done
  - {id: done, type: end}
`

func TestParse_Welcome(t *testing.T) {
	def, err := Parse([]byte(welcome))
	require.NoError(t, err)

	assert.Equal(t, "welcome", def.Funnel.ID)
	assert.Equal(t, api.FunnelActive, def.Funnel.Status)
	assert.Equal(t, "list-1", def.Funnel.ListID())
	require.Len(t, def.Steps, 9)

	for i, s := range def.Steps {
		assert.Equal(t, i, s.Position)
		assert.Equal(t, "welcome", s.FunnelID)
		require.NoError(t, s.Validate())
	}

	assert.Equal(t, api.DelayConfig{Duration: 48 * time.Hour}, def.Steps[2].Config)

	cond := def.Steps[3].Config.(api.ConditionConfig)
	assert.True(t, cond.WaitForCondition)
	assert.Equal(t, api.RetryPolicy{
		Enabled:     true,
		MaxAttempts: 3,
		Interval:    24 * time.Hour,
		OnExhausted: api.ExhaustedExit,
		MessageID:   "msg-nudge",
	}, cond.Retry)
	assert.Equal(t, "subject", def.Steps[3].NextYes)

	split := def.Steps[4]
	require.Len(t, split.Variants, 2)
	assert.Equal(t, 70, split.Variants[0].Weight)
	assert.Equal(t, api.SplitConfig{SampleSize: 400, Metric: api.MetricClickRate}, split.Config)

	action := def.Steps[5].Config.(api.ActionConfig)
	assert.Equal(t, "abc", action.Headers["X-Token"])

	at := def.Steps[6].Config.(api.WaitUntilConfig).At
	assert.True(t, at.Equal(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)))

	assert.Equal(t, api.GoalConfig{Name: "upsell", Value: 19.5}, def.Steps[7].Config)
	assert.Nil(t, def.Steps[8].Config)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		errSub string
	}{
		{"empty", "  \n", "empty"},
		{"missing id", "steps: [{id: s, type: start}]", "id is required"},
		{"no steps", "id: f", "no steps"},
		{"bad status", "id: f\nstatus: archived\nsteps: [{id: s, type: start}]", "unknown status"},
		{"unknown key", "id: f\ncolour: red\nsteps: [{id: s, type: start}]", "colour"},
		{"duplicate step", "id: f\nsteps: [{id: s, type: start}, {id: s, type: end}]", "duplicate id"},
		{"dangling link", "id: f\nsteps: [{id: s, type: start, next: ghost}]", "unknown step \"ghost\""},
		{"email without message", "id: f\nsteps: [{id: m, type: email}]", "message_id"},
		{"negative delay", "id: f\nsteps: [{id: d, type: delay, duration: -1h}]", "negative"},
		{"condition without block", "id: f\nsteps: [{id: c, type: condition}]", "condition block"},
		{"condition without tag", "id: f\nsteps: [{id: c, type: condition, condition: {kind: tag_present}}]", "needs tag"},
		{"bad policy", "id: f\nsteps: [{id: c, type: condition, condition: {kind: tag_present, tag: x, retry: {max_attempts: 1, on_exhausted: explode}}}]", "exhaustion policy"},
		{"single variant", "id: f\nsteps: [{id: s, type: split, variants: [{name: a, weight: 1}]}]", "two variants"},
		{"unknown type", "id: f\nsteps: [{id: x, type: sms}]", "unknown step type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestParse_ValidationErrorsAreTyped(t *testing.T) {
	_, err := Parse([]byte("id: f\nsteps: [{id: m, type: email}, {id: s, type: start, next: nowhere}]"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDefinition))
	// Both problems are reported at once.
	assert.Contains(t, err.Error(), "message_id")
	assert.Contains(t, err.Error(), "nowhere")
}

func TestParse_RetryWithoutAttemptsIsDisabled(t *testing.T) {
	def, err := Parse([]byte("id: f\nsteps: [{id: c, type: condition, condition: {kind: field, field: plan, operator: equals, value: pro, retry: {interval: 1h}}}]"))
	require.NoError(t, err)
	assert.False(t, def.Steps[0].Config.(api.ConditionConfig).Retry.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "welcome.yaml")
	require.NoError(t, os.WriteFile(path, []byte(welcome), 0o600))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Welcome series", def.Funnel.Name)

	def, err = Load(strings.NewReader(welcome))
	require.NoError(t, err)
	assert.Len(t, def.Steps, 9)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
