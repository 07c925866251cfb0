package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsendo/funnel/pkg/api"
)

// runStoreContract exercises a Store implementation. Every backend runs the
// same cases so their semantics cannot drift apart.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("FunnelAndSteps", func(t *testing.T) { testFunnelAndSteps(t, newStore(t)) })
	t.Run("EnrollmentLifecycle", func(t *testing.T) { testEnrollmentLifecycle(t, newStore(t)) })
	t.Run("ClaimReady", func(t *testing.T) { testClaimReady(t, newStore(t)) })
	t.Run("ClaimReadyConcurrent", func(t *testing.T) { testClaimReadyConcurrent(t, newStore(t)) })
	t.Run("ListWaitingAndRearm", func(t *testing.T) { testListWaitingAndRearm(t, newStore(t)) })
	t.Run("Rearm", func(t *testing.T) { testRearm(t, newStore(t)) })
	t.Run("Lease", func(t *testing.T) { testLease(t, newStore(t)) })
	t.Run("Retries", func(t *testing.T) { testRetries(t, newStore(t)) })
	t.Run("ABTests", func(t *testing.T) { testABTests(t, newStore(t)) })
}

var base = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func seedFunnel(t *testing.T, s Store, id string, status api.FunnelStatus) {
	t.Helper()
	ctx := context.Background()
	f := &api.Funnel{
		ID:        id,
		OwnerID:   "owner-1",
		Name:      "Welcome " + id,
		Status:    status,
		Trigger:   api.Trigger{Kind: api.TriggerListSignup, TargetID: "list-1"},
		Settings:  map[string]string{"from": "news@example.test"},
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.SaveFunnel(ctx, f))
}

func newEnrollment(id, funnelID string, status api.EnrollmentStatus, step string, next *time.Time) *api.Enrollment {
	e := &api.Enrollment{
		ID:            id,
		FunnelID:      funnelID,
		SubscriberID:  "sub-" + id,
		Status:        status,
		CurrentStep:   step,
		StepEnteredAt: base,
		EnrolledAt:    base,
		NextActionAt:  next,
	}
	e.AddHistory(step, api.HistoryEnrolled, base, nil)
	return e
}

func timePtr(t time.Time) *time.Time { return &t }

func testFunnelAndSteps(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetFunnel(ctx, "missing")
	require.ErrorIs(t, err, ErrFunnelNotFound)

	seedFunnel(t, s, "f1", api.FunnelDraft)
	require.NoError(t, s.SetFunnelStatus(ctx, "f1", api.FunnelActive))
	require.ErrorIs(t, s.SetFunnelStatus(ctx, "missing", api.FunnelActive), ErrFunnelNotFound)

	f, err := s.GetFunnel(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, api.FunnelActive, f.Status)
	assert.Equal(t, "list-1", f.ListID())
	assert.Equal(t, "news@example.test", f.Settings["from"])

	steps := []api.Step{
		{ID: "end", Type: api.StepEnd, Position: 3},
		{ID: "start", Type: api.StepStart, Position: 0, Next: "mail"},
		{ID: "mail", Type: api.StepEmail, Position: 1, Next: "split", Config: api.EmailConfig{MessageID: "m-1"}},
		{ID: "split", Type: api.StepSplit, Position: 2, Config: api.SplitConfig{SampleSize: 50},
			Variants: []api.VariantLink{{Name: "A", Weight: 50, Next: "end"}, {Name: "B", Weight: 50, Next: "end"}}},
	}
	require.NoError(t, s.SaveSteps(ctx, "f1", steps))
	require.ErrorIs(t, s.SaveSteps(ctx, "missing", steps), ErrFunnelNotFound)

	list, err := s.ListSteps(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []string{"start", "mail", "split", "end"}, []string{list[0].ID, list[1].ID, list[2].ID, list[3].ID})

	mail, err := s.GetStep(ctx, "f1", "mail")
	require.NoError(t, err)
	assert.Equal(t, api.EmailConfig{MessageID: "m-1"}, mail.Config)

	split, err := s.GetStep(ctx, "f1", "split")
	require.NoError(t, err)
	require.Len(t, split.Variants, 2)
	assert.Equal(t, "B", split.Variants[1].Name)

	end, err := s.GetStep(ctx, "f1", "end")
	require.NoError(t, err)
	assert.Nil(t, end.Config)

	_, err = s.GetStep(ctx, "f1", "nope")
	require.ErrorIs(t, err, ErrStepNotFound)

	// Saving again replaces the graph.
	require.NoError(t, s.SaveSteps(ctx, "f1", steps[:2]))
	list, err = s.ListSteps(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testEnrollmentLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	seedFunnel(t, s, "f1", api.FunnelActive)

	e := newEnrollment("e1", "f1", api.EnrollmentActive, "start", nil)
	require.NoError(t, s.CreateEnrollment(ctx, e))

	open, err := s.FindOpenEnrollment(ctx, "f1", e.SubscriberID)
	require.NoError(t, err)
	assert.Equal(t, "e1", open.ID)

	e.EnterStep("wait", base.Add(time.Minute))
	e.Status = api.EnrollmentWaitingCondition
	e.StepsCompleted = 2
	e.AddHistory("wait", api.HistoryConditionWaiting, base.Add(time.Minute), map[string]string{"kind": "tag"})
	require.NoError(t, s.UpdateEnrollment(ctx, e))

	got, err := s.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, api.EnrollmentWaitingCondition, got.Status)
	assert.Equal(t, "wait", got.CurrentStep)
	assert.Equal(t, 2, got.StepsCompleted)
	assert.True(t, got.StepEnteredAt.Equal(base.Add(time.Minute)))
	require.Len(t, got.History, 2)
	assert.Equal(t, "tag", got.History[1].Payload["kind"])

	e.Finish(api.EnrollmentCompleted, base.Add(time.Hour))
	require.NoError(t, s.UpdateEnrollment(ctx, e))

	_, err = s.FindOpenEnrollment(ctx, "f1", e.SubscriberID)
	require.ErrorIs(t, err, ErrEnrollmentNotFound)

	got, err = s.GetEnrollment(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.CurrentStep)

	_, err = s.GetEnrollment(ctx, "missing")
	require.ErrorIs(t, err, ErrEnrollmentNotFound)
	require.ErrorIs(t, s.UpdateEnrollment(ctx, &api.Enrollment{ID: "missing"}), ErrEnrollmentNotFound)
}

func testClaimReady(t *testing.T, s Store) {
	ctx := context.Background()
	seedFunnel(t, s, "on", api.FunnelActive)
	seedFunnel(t, s, "off", api.FunnelPaused)

	now := base.Add(48 * time.Hour)
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("due", "on", api.EnrollmentActive, "d", timePtr(now.Add(-time.Second)))))
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("exact", "on", api.EnrollmentActive, "d", timePtr(now))))
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("later", "on", api.EnrollmentActive, "d", timePtr(now.Add(time.Hour)))))
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("paused", "off", api.EnrollmentActive, "d", timePtr(now.Add(-time.Hour)))))
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("waiting", "on", api.EnrollmentWaitingCondition, "c", nil)))

	claimed, err := s.ClaimReady(ctx, now, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(claimed))
	for _, e := range claimed {
		ids = append(ids, e.ID)
		assert.Nil(t, e.NextActionAt)
	}
	assert.ElementsMatch(t, []string{"due", "exact"}, ids)

	again, err := s.ClaimReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := s.GetEnrollment(ctx, "due")
	require.NoError(t, err)
	assert.Nil(t, stored.NextActionAt)

	limited, err := s.ClaimReady(ctx, now.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "later", limited[0].ID)
}

func testClaimReadyConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	seedFunnel(t, s, "f1", api.FunnelActive)

	const total = 40
	for i := 0; i < total; i++ {
		due := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateEnrollment(ctx, newEnrollment(fmt.Sprintf("e%02d", i), "f1", api.EnrollmentActive, "d", &due)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimReady(ctx, base.Add(time.Hour), 5)
				if err != nil {
					t.Errorf("ClaimReady: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "enrollment %s claimed %d times", id, n)
	}
}

func testListWaitingAndRearm(t *testing.T, s Store) {
	ctx := context.Background()
	seedFunnel(t, s, "on", api.FunnelActive)
	seedFunnel(t, s, "off", api.FunnelPaused)

	w1 := newEnrollment("w1", "on", api.EnrollmentWaitingCondition, "c", nil)
	w1.StepEnteredAt = base.Add(time.Hour)
	w2 := newEnrollment("w2", "on", api.EnrollmentWaitingCondition, "c", nil)
	w3 := newEnrollment("w3", "off", api.EnrollmentWaitingCondition, "c", nil)
	stalled := newEnrollment("stalled", "on", api.EnrollmentActive, "e", nil)
	held := newEnrollment("held", "on", api.EnrollmentActive, "e", nil)
	for _, e := range []*api.Enrollment{w1, w2, w3, stalled, held} {
		require.NoError(t, s.CreateEnrollment(ctx, e))
	}

	waiting, err := s.ListWaiting(ctx, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "w2", waiting[0].ID)
	assert.Equal(t, "w1", waiting[1].ID)

	ok, err := s.TryAcquireLease(ctx, "held", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A scheduling clock two days ahead must not expire the live lease.
	at := time.Now().Add(48 * time.Hour)
	n, err := s.RearmStalled(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEnrollment(ctx, "stalled")
	require.NoError(t, err)
	require.NotNil(t, got.NextActionAt)
	assert.True(t, got.NextActionAt.Equal(at))

	got, err = s.GetEnrollment(ctx, "held")
	require.NoError(t, err)
	assert.Nil(t, got.NextActionAt)
}

func testRearm(t *testing.T, s Store) {
	ctx := context.Background()
	seedFunnel(t, s, "f1", api.FunnelActive)
	wake := base.Add(time.Hour)
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("bare", "f1", api.EnrollmentActive, "e", nil)))
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("asleep", "f1", api.EnrollmentActive, "e", timePtr(wake))))
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("waiting", "f1", api.EnrollmentWaitingCondition, "c", nil)))

	at := base.Add(time.Minute)
	ok, err := s.Rearm(ctx, "bare", at)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetEnrollment(ctx, "bare")
	require.NoError(t, err)
	require.NotNil(t, got.NextActionAt)
	assert.True(t, got.NextActionAt.Equal(at))

	ok, err = s.Rearm(ctx, "asleep", at)
	require.NoError(t, err)
	assert.False(t, ok, "an existing wake time is kept")
	got, err = s.GetEnrollment(ctx, "asleep")
	require.NoError(t, err)
	assert.True(t, got.NextActionAt.Equal(wake))

	ok, err = s.Rearm(ctx, "waiting", at)
	require.NoError(t, err)
	assert.False(t, ok, "only active enrollments are re-armed")

	ok, err = s.Rearm(ctx, "missing", at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testLease(t *testing.T, s Store) {
	ctx := context.Background()
	seedFunnel(t, s, "f1", api.FunnelActive)
	require.NoError(t, s.CreateEnrollment(ctx, newEnrollment("e1", "f1", api.EnrollmentWaitingCondition, "c", nil)))

	ok, err := s.TryAcquireLease(ctx, "e1", "owner1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "expected owner1 to acquire")

	ok, err = s.TryAcquireLease(ctx, "e1", "owner2", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "expected owner2 not to acquire while active")

	ok, err = s.TryAcquireLease(ctx, "e1", "owner1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "lease should be re-entrant for its owner")

	require.NoError(t, s.ReleaseLease(ctx, "e1", "owner2"))
	ok, err = s.TryAcquireLease(ctx, "e1", "owner2", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "release by a non-owner must not free the lease")

	require.NoError(t, s.ReleaseLease(ctx, "e1", "owner1"))
	ok, err = s.TryAcquireLease(ctx, "e1", "owner2", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "expected owner2 to acquire after release")

	time.Sleep(40 * time.Millisecond)
	ok, err = s.TryAcquireLease(ctx, "e1", "owner3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expected owner3 to acquire after expiry")
}

func testRetries(t *testing.T, s Store) {
	ctx := context.Background()

	attempts, err := s.ListAttempts(ctx, "e1", "c")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	require.NoError(t, s.RecordAttempt(ctx, api.StepRetry{EnrollmentID: "e1", StepID: "c", AttemptNumber: 1, SentAt: base}))
	require.NoError(t, s.RecordAttempt(ctx, api.StepRetry{EnrollmentID: "e1", StepID: "c", AttemptNumber: 2, SentAt: base.Add(24 * time.Hour)}))
	require.ErrorIs(t, s.RecordAttempt(ctx, api.StepRetry{EnrollmentID: "e1", StepID: "c", AttemptNumber: 2, SentAt: base}), ErrAttemptOutOfOrder)
	require.NoError(t, s.RecordAttempt(ctx, api.StepRetry{EnrollmentID: "e1", StepID: "other", AttemptNumber: 1, SentAt: base}))

	attempts, err = s.ListAttempts(ctx, "e1", "c")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.True(t, attempts[1].SentAt.Equal(base.Add(24*time.Hour)))
	assert.Nil(t, attempts[1].ConditionMetAt)

	require.NoError(t, s.MarkConditionMet(ctx, "e1", "c", base.Add(30*time.Hour)))
	attempts, err = s.ListAttempts(ctx, "e1", "c")
	require.NoError(t, err)
	for _, a := range attempts {
		require.NotNil(t, a.ConditionMetAt)
	}

	require.NoError(t, s.ClearAttempts(ctx, "e1", "c"))
	attempts, err = s.ListAttempts(ctx, "e1", "c")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	other, err := s.ListAttempts(ctx, "e1", "other")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func testABTests(t *testing.T, s Store) {
	ctx := context.Background()

	test := &api.ABTest{
		ID: "t1", FunnelID: "f1", StepID: "split", Name: "subject line",
		Status: api.TestRunning, SampleSize: 100, ConfidenceLevel: 0.95,
		Metric: api.MetricClickRate, StartedAt: timePtr(base), CreatedAt: base,
	}
	variants := []api.Variant{
		{ID: "va", TestID: "t1", Name: "A", Weight: 50, TargetStep: "a", Position: 0},
		{ID: "vb", TestID: "t1", Name: "B", Weight: 50, TargetStep: "b", Position: 1},
	}
	require.NoError(t, s.CreateTest(ctx, test, variants))

	byStep, err := s.GetTestByStep(ctx, "f1", "split")
	require.NoError(t, err)
	assert.Equal(t, "t1", byStep.ID)
	assert.Equal(t, api.MetricClickRate, byStep.Metric)

	_, err = s.GetTestByStep(ctx, "f1", "other")
	require.ErrorIs(t, err, ErrTestNotFound)

	require.NoError(t, s.CreateAssignment(ctx, &api.ABEnrollment{TestID: "t1", VariantID: "va", EnrollmentID: "e1", AssignedAt: base}))
	require.NoError(t, s.CreateAssignment(ctx, &api.ABEnrollment{TestID: "t1", VariantID: "vb", EnrollmentID: "e2", AssignedAt: base}))
	require.NoError(t, s.CreateAssignment(ctx, &api.ABEnrollment{TestID: "t1", VariantID: "vb", EnrollmentID: "e3", AssignedAt: base}))
	require.ErrorIs(t, s.CreateAssignment(ctx, &api.ABEnrollment{TestID: "t1", VariantID: "vb", EnrollmentID: "e1", AssignedAt: base}), ErrAssignmentExists)

	vs, err := s.ListVariants(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, 1, vs[0].Enrollments)
	assert.Equal(t, 2, vs[1].Enrollments)

	require.NoError(t, s.MarkConverted(ctx, "t1", "e2", 25, base.Add(time.Hour)))
	require.ErrorIs(t, s.MarkConverted(ctx, "t1", "nobody", 1, base), ErrAssignmentNotFound)
	require.NoError(t, s.AppendABEvent(ctx, "t1", "e1", api.ABEvent{Type: api.ABEventOpen, At: base}))
	require.NoError(t, s.AppendABEvent(ctx, "t1", "e1", api.ABEvent{Type: api.ABEventClick, At: base}))
	require.NoError(t, s.AppendABEvent(ctx, "t1", "e1", api.ABEvent{Type: api.ABEventClick, At: base}))

	a, err := s.GetAssignment(ctx, "t1", "e1")
	require.NoError(t, err)
	assert.Len(t, a.Events, 3)

	stats, err := s.VariantStats(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, api.VariantStats{VariantID: "va", Enrolled: 1, Opened: 1, Clicked: 1}, stats[0])
	assert.Equal(t, api.VariantStats{VariantID: "vb", Enrolled: 2, Converted: 1, TotalValue: 25}, stats[1])

	forEnr, err := s.ListAssignmentsForEnrollment(ctx, "e2")
	require.NoError(t, err)
	require.Len(t, forEnr, 1)
	assert.True(t, forEnr[0].Converted)

	test.Status = api.TestCompleted
	test.WinnerVariantID = "vb"
	test.CompletedAt = timePtr(base.Add(time.Hour))
	require.NoError(t, s.UpdateTest(ctx, test))
	got, err := s.GetTest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "vb", got.WinnerVariantID)
	require.NotNil(t, got.CompletedAt)
}
