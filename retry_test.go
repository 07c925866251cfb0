package funnel

import (
	"testing"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

func TestRetryBuilder(t *testing.T) {
	p := Retry(3).Every(24 * time.Hour).Reminder("msg-nudge").ThenExit().Policy()
	if !p.Enabled || p.MaxAttempts != 3 {
		t.Fatalf("unexpected attempts: %+v", p)
	}
	if p.Interval != 24*time.Hour {
		t.Fatalf("expected 24h interval, got %v", p.Interval)
	}
	if p.MessageID != "msg-nudge" {
		t.Fatalf("expected reminder msg-nudge, got %q", p.MessageID)
	}
	if p.OnExhausted != api.ExhaustedExit {
		t.Fatalf("expected exit policy, got %q", p.OnExhausted)
	}
}

func TestRetryBuilder_IsImmutable(t *testing.T) {
	base := Retry(2)
	exit := base.ThenExit()
	cont := base.ThenContinue()

	if base.Policy().OnExhausted != "" {
		t.Fatalf("base builder was modified: %+v", base.Policy())
	}
	if exit.Policy().OnExhausted != api.ExhaustedExit || cont.Policy().OnExhausted != api.ExhaustedContinue {
		t.Fatalf("derived builders share state: %+v %+v", exit.Policy(), cont.Policy())
	}
}

func TestRetryBuilder_ZeroAttemptsDisables(t *testing.T) {
	for _, r := range []RetryBuilder{Retry(0), Retry(-1), NoRetry()} {
		if p := r.Policy(); p.Enabled || p.MaxAttempts != 0 {
			t.Fatalf("expected disabled policy, got %+v", p)
		}
	}
}
