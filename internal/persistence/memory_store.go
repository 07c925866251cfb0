package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of every store
// interface backed by maps. Enrollments are copied on the way in and out,
// so callers never share state with the store.
type InMemoryStore struct {
	mu sync.RWMutex

	funnels     map[string]*api.Funnel
	steps       map[string][]api.Step
	enrollments map[string]*api.Enrollment
	leases      map[string]memLease
	retries     map[retryKey][]api.StepRetry
	tests       map[string]*api.ABTest
	variants    map[string][]api.Variant
	assignments map[assignmentKey]*api.ABEnrollment
}

type memLease struct {
	owner   string
	expires time.Time
}

type retryKey struct{ enrollmentID, stepID string }

type assignmentKey struct{ testID, enrollmentID string }

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		funnels:     make(map[string]*api.Funnel),
		steps:       make(map[string][]api.Step),
		enrollments: make(map[string]*api.Enrollment),
		leases:      make(map[string]memLease),
		retries:     make(map[retryKey][]api.StepRetry),
		tests:       make(map[string]*api.ABTest),
		variants:    make(map[string][]api.Variant),
		assignments: make(map[assignmentKey]*api.ABEnrollment),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveFunnel(ctx context.Context, f *api.Funnel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *f
	s.funnels[f.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetFunnel(ctx context.Context, id string) (*api.Funnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.funnels[id]
	if !ok {
		return nil, ErrFunnelNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *InMemoryStore) SetFunnelStatus(ctx context.Context, id string, status api.FunnelStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.funnels[id]
	if !ok {
		return ErrFunnelNotFound
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SaveSteps(ctx context.Context, funnelID string, steps []api.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.funnels[funnelID]; !ok {
		return ErrFunnelNotFound
	}
	cp := make([]api.Step, len(steps))
	copy(cp, steps)
	for i := range cp {
		cp[i].FunnelID = funnelID
	}
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Position < cp[j].Position })
	s.steps[funnelID] = cp
	return nil
}

func (s *InMemoryStore) GetStep(ctx context.Context, funnelID, stepID string) (*api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.steps[funnelID] {
		if st.ID == stepID {
			cp := st
			return &cp, nil
		}
	}
	return nil, ErrStepNotFound
}

func (s *InMemoryStore) ListSteps(ctx context.Context, funnelID string) ([]api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Step, len(s.steps[funnelID]))
	copy(out, s.steps[funnelID])
	return out, nil
}

func (s *InMemoryStore) CreateEnrollment(ctx context.Context, e *api.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enrollments[e.ID] = e.Clone()
	return nil
}

func (s *InMemoryStore) UpdateEnrollment(ctx context.Context, e *api.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.enrollments[e.ID]; !ok {
		return ErrEnrollmentNotFound
	}
	s.enrollments[e.ID] = e.Clone()
	return nil
}

func (s *InMemoryStore) GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) FindOpenEnrollment(ctx context.Context, funnelID, subscriberID string) (*api.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.enrollments {
		if e.FunnelID == funnelID && e.SubscriberID == subscriberID && !e.Status.IsTerminal() {
			return e.Clone(), nil
		}
	}
	return nil, ErrEnrollmentNotFound
}

func (s *InMemoryStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*api.Enrollment
	for _, e := range s.enrollments {
		if e.Status != api.EnrollmentActive || e.NextActionAt == nil || e.NextActionAt.After(now) {
			continue
		}
		if f, ok := s.funnels[e.FunnelID]; !ok || !f.IsActive() {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].NextActionAt.Before(*ready[j].NextActionAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*api.Enrollment, 0, len(ready))
	for _, e := range ready {
		e.NextActionAt = nil
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) ListWaiting(ctx context.Context, limit int) ([]*api.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var waiting []*api.Enrollment
	for _, e := range s.enrollments {
		if e.Status != api.EnrollmentWaitingCondition {
			continue
		}
		if f, ok := s.funnels[e.FunnelID]; !ok || !f.IsActive() {
			continue
		}
		waiting = append(waiting, e)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].StepEnteredAt.Before(waiting[j].StepEnteredAt) })
	if limit > 0 && len(waiting) > limit {
		waiting = waiting[:limit]
	}

	out := make([]*api.Enrollment, 0, len(waiting))
	for _, e := range waiting {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) RearmStalled(ctx context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for id, e := range s.enrollments {
		if e.Status != api.EnrollmentActive || e.NextActionAt != nil {
			continue
		}
		if l, ok := s.leases[id]; ok && l.expires.After(now) {
			continue
		}
		t := at
		e.NextActionAt = &t
		n++
	}
	return n, nil
}

func (s *InMemoryStore) Rearm(ctx context.Context, enrollmentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[enrollmentID]
	if !ok || e.Status != api.EnrollmentActive || e.NextActionAt != nil {
		return false, nil
	}
	t := at
	e.NextActionAt = &t
	return true, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, enrollmentID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.enrollments[enrollmentID]; !ok {
		return false, nil
	}
	now := time.Now()
	if l, ok := s.leases[enrollmentID]; ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[enrollmentID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, enrollmentID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[enrollmentID]; ok && l.owner == owner {
		delete(s.leases, enrollmentID)
	}
	return nil
}

func (s *InMemoryStore) RecordAttempt(ctx context.Context, r api.StepRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := retryKey{r.EnrollmentID, r.StepID}
	existing := s.retries[k]
	if n := len(existing); n > 0 && r.AttemptNumber <= existing[n-1].AttemptNumber {
		return ErrAttemptOutOfOrder
	}
	s.retries[k] = append(existing, r)
	return nil
}

func (s *InMemoryStore) ListAttempts(ctx context.Context, enrollmentID, stepID string) ([]api.StepRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.retries[retryKey{enrollmentID, stepID}]
	out := make([]api.StepRetry, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemoryStore) MarkConditionMet(ctx context.Context, enrollmentID, stepID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.retries[retryKey{enrollmentID, stepID}]
	for i := range attempts {
		if attempts[i].ConditionMetAt == nil {
			t := at
			attempts[i].ConditionMetAt = &t
		}
	}
	return nil
}

func (s *InMemoryStore) ClearAttempts(ctx context.Context, enrollmentID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.retries, retryKey{enrollmentID, stepID})
	return nil
}

func (s *InMemoryStore) CreateTest(ctx context.Context, t *api.ABTest, variants []api.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.tests {
		if other.FunnelID == t.FunnelID && other.StepID == t.StepID {
			return ErrTestExists
		}
	}
	cp := *t
	s.tests[t.ID] = &cp
	vs := make([]api.Variant, len(variants))
	copy(vs, variants)
	s.variants[t.ID] = vs
	return nil
}

func (s *InMemoryStore) UpdateTest(ctx context.Context, t *api.ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[t.ID]; !ok {
		return ErrTestNotFound
	}
	cp := *t
	s.tests[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetTest(ctx context.Context, id string) (*api.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tests[id]
	if !ok {
		return nil, ErrTestNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) GetTestByStep(ctx context.Context, funnelID, stepID string) (*api.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tests {
		if t.FunnelID == funnelID && t.StepID == stepID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTestNotFound
}

func (s *InMemoryStore) ListVariants(ctx context.Context, testID string) ([]api.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Variant, len(s.variants[testID]))
	copy(out, s.variants[testID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *InMemoryStore) CreateAssignment(ctx context.Context, a *api.ABEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := assignmentKey{a.TestID, a.EnrollmentID}
	if _, ok := s.assignments[k]; ok {
		return ErrAssignmentExists
	}
	vs := s.variants[a.TestID]
	found := false
	for i := range vs {
		if vs[i].ID == a.VariantID {
			vs[i].Enrollments++
			found = true
			break
		}
	}
	if !found {
		return ErrTestNotFound
	}
	cp := *a
	s.assignments[k] = &cp
	return nil
}

func (s *InMemoryStore) GetAssignment(ctx context.Context, testID, enrollmentID string) (*api.ABEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey{testID, enrollmentID}]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *a
	cp.Events = append([]api.ABEvent(nil), a.Events...)
	return &cp, nil
}

func (s *InMemoryStore) ListAssignmentsForEnrollment(ctx context.Context, enrollmentID string) ([]api.ABEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.ABEnrollment
	for k, a := range s.assignments {
		if k.enrollmentID == enrollmentID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (s *InMemoryStore) MarkConverted(ctx context.Context, testID, enrollmentID string, value float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentKey{testID, enrollmentID}]
	if !ok {
		return ErrAssignmentNotFound
	}
	a.Converted = true
	a.ConversionValue = value
	t := at
	a.ConvertedAt = &t
	return nil
}

func (s *InMemoryStore) AppendABEvent(ctx context.Context, testID, enrollmentID string, ev api.ABEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentKey{testID, enrollmentID}]
	if !ok {
		return ErrAssignmentNotFound
	}
	a.Events = append(a.Events, ev)
	return nil
}

func (s *InMemoryStore) VariantStats(ctx context.Context, testID string) ([]api.VariantStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := make([]api.Variant, len(s.variants[testID]))
	copy(vs, s.variants[testID])
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Position < vs[j].Position })

	var as []api.ABEnrollment
	for k, a := range s.assignments {
		if k.testID == testID {
			as = append(as, *a)
		}
	}
	return aggregateStats(vs, as), nil
}
