package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	enr := &api.Enrollment{ID: "e1", FunnelID: "f", Status: api.EnrollmentActive, CurrentStep: "s"}
	if err := store.CreateEnrollment(ctx, enr); err != nil {
		t.Fatalf("CreateEnrollment failed: %v", err)
	}
	enr.CurrentStep = "mutated"

	got, err := store.GetEnrollment(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEnrollment failed: %v", err)
	}
	if got.CurrentStep != "s" {
		t.Fatalf("store shares state with caller: current step %q", got.CurrentStep)
	}

	got.AddHistory("s", api.HistoryStarted, time.Now(), nil)
	again, _ := store.GetEnrollment(ctx, "e1")
	if len(again.History) != 0 {
		t.Fatalf("expected history to stay empty, got %d entries", len(again.History))
	}
}
