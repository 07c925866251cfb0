package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/pkg/api"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingQueue keeps enqueued tasks for inspection.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
	err   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (*taskqueue.Task, error) {
	return nil, errors.New("recordingQueue does not dequeue")
}

func (q *recordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *recordingQueue) ofType(tt taskqueue.TaskType) []taskqueue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []taskqueue.Task
	for _, t := range q.tasks {
		if t.Type == tt {
			out = append(out, t)
		}
	}
	return out
}

// fakeDirectory is an in-memory subscriber directory.
type fakeDirectory struct {
	mu           sync.Mutex
	tags         map[string]map[string]bool
	fields       map[string]map[string]string
	lists        map[string]map[string]bool
	unsubscribed map[string]string
	failWith     error
	// onHasTag, when set, runs before every tag lookup.
	onHasTag func()
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tags:         make(map[string]map[string]bool),
		fields:       make(map[string]map[string]string),
		lists:        make(map[string]map[string]bool),
		unsubscribed: make(map[string]string),
	}
}

func (d *fakeDirectory) HasTag(ctx context.Context, sub, tag string) (bool, error) {
	if d.onHasTag != nil {
		d.onHasTag()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tags[sub][tag], nil
}

func (d *fakeDirectory) AddTag(ctx context.Context, sub, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	if d.tags[sub] == nil {
		d.tags[sub] = make(map[string]bool)
	}
	d.tags[sub][tag] = true
	return nil
}

func (d *fakeDirectory) RemoveTag(ctx context.Context, sub, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	delete(d.tags[sub], tag)
	return nil
}

func (d *fakeDirectory) GetField(ctx context.Context, sub, field string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.fields[sub][field]
	return v, ok, nil
}

func (d *fakeDirectory) SetField(ctx context.Context, sub, field, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	if d.fields[sub] == nil {
		d.fields[sub] = make(map[string]string)
	}
	d.fields[sub][field] = value
	return nil
}

func (d *fakeDirectory) AddToList(ctx context.Context, sub, list string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	if d.lists[sub] == nil {
		d.lists[sub] = make(map[string]bool)
	}
	d.lists[sub][list] = true
	return nil
}

func (d *fakeDirectory) RemoveFromList(ctx context.Context, sub, list string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	delete(d.lists[sub], list)
	return nil
}

func (d *fakeDirectory) Unsubscribe(ctx context.Context, sub, list string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	d.unsubscribed[sub] = list
	return nil
}

type fakeTracker struct {
	mu     sync.Mutex
	events map[string]bool
}

func (t *fakeTracker) key(sub, msg, ev string) string { return sub + "|" + msg + "|" + ev }

func (t *fakeTracker) Record(sub, msg, ev string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.events == nil {
		t.events = make(map[string]bool)
	}
	t.events[t.key(sub, msg, ev)] = true
}

func (t *fakeTracker) HasEvent(ctx context.Context, sub, msg, ev string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[t.key(sub, msg, ev)], nil
}

// recordingObserver counts lifecycle callbacks.
type recordingObserver struct {
	api.NoopObserver

	mu        sync.Mutex
	enrolled  int
	finished  int
	suspended []string
	retries   []int
	stepErrs  []error
}

func (o *recordingObserver) OnEnrolled(ctx context.Context, enr *api.Enrollment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enrolled++
}

func (o *recordingObserver) OnFinished(ctx context.Context, enr *api.Enrollment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

func (o *recordingObserver) OnSuspended(ctx context.Context, enr *api.Enrollment, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspended = append(o.suspended, reason)
}

func (o *recordingObserver) OnRetrySent(ctx context.Context, enr *api.Enrollment, stepID string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
}

func (o *recordingObserver) OnStepCompleted(ctx context.Context, enr *api.Enrollment, step *api.Step, err error, d time.Duration) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepErrs = append(o.stepErrs, err)
}

type harness struct {
	eng      *engineImpl
	store    persistence.Store
	clock    *fakeClock
	queue    *recordingQueue
	dir      *fakeDirectory
	tracker  *fakeTracker
	observer *recordingObserver
}

func newHarness(t *testing.T, settings api.EngineConfig) *harness {
	t.Helper()
	return newHarnessWithStore(t, persistence.NewInMemoryStore(), settings)
}

func newHarnessWithStore(t *testing.T, store persistence.Store, settings api.EngineConfig) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		clock:    newFakeClock(),
		queue:    &recordingQueue{},
		dir:      newFakeDirectory(),
		tracker:  &fakeTracker{},
		observer: &recordingObserver{},
	}
	h.eng = newEngine(Config{
		Persistence: persistence.FromStore(store),
		Queue:       h.queue,
		Collaborators: api.Collaborators{
			Directory: h.dir,
			Tracker:   h.tracker,
		},
		Observer: h.observer,
		Settings: settings,
		Clock:    h.clock.Now,
		GraphTTL: -1,
	})
	return h
}

// register stores an active funnel with steps.
func (h *harness) register(t *testing.T, f api.Funnel, steps ...api.Step) {
	t.Helper()
	ctx := context.Background()
	if f.ID == "" {
		f.ID = "funnel-1"
	}
	f.Status = api.FunnelActive
	for i := range steps {
		steps[i].Position = i
	}
	if err := h.eng.RegisterFunnel(ctx, f, steps); err != nil {
		t.Fatalf("RegisterFunnel: %v", err)
	}
}

func (h *harness) enroll(t *testing.T, sub string) *api.Enrollment {
	t.Helper()
	enr, err := h.eng.EnrollSubscriber(context.Background(), "funnel-1", sub)
	if err != nil {
		t.Fatalf("EnrollSubscriber(%s): %v", sub, err)
	}
	if enr == nil {
		t.Fatalf("EnrollSubscriber(%s) returned no enrollment", sub)
	}
	return enr
}

func (h *harness) reload(t *testing.T, id string) *api.Enrollment {
	t.Helper()
	enr, err := h.eng.GetEnrollment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if err := enr.Validate(); err != nil {
		t.Fatalf("invalid enrollment state: %v", err)
	}
	return enr
}

// tick runs both batch entry points once.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.eng.ProcessReadyEnrollments(ctx); err != nil {
		t.Fatalf("ProcessReadyEnrollments: %v", err)
	}
	if _, err := h.eng.ProcessWaitingEnrollments(ctx); err != nil {
		t.Fatalf("ProcessWaitingEnrollments: %v", err)
	}
}

func hasHistory(enr *api.Enrollment, action string) bool {
	for _, h := range enr.History {
		if h.Action == action {
			return true
		}
	}
	return false
}

func countHistory(enr *api.Enrollment, action string) int {
	n := 0
	for _, h := range enr.History {
		if h.Action == action {
			n++
		}
	}
	return n
}

func mkStep(id string, typ api.StepType, next string, cfg api.StepConfig) api.Step {
	return api.Step{ID: id, Type: typ, Next: next, Config: cfg}
}
