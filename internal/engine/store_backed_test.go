package engine

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/internal/taskqueue"
	"github.com/netsendo/funnel/internal/testutil"
	"github.com/netsendo/funnel/pkg/api"
)

// runWelcomeScenario drives the never-purchased scenario on any store.
func runWelcomeScenario(t *testing.T, store persistence.Store) {
	t.Helper()
	h := newHarnessWithStore(t, store, api.EngineConfig{})
	h.register(t, api.Funnel{Name: "welcome"}, welcomeFunnel(api.ExhaustedExit)...)

	enr := h.enroll(t, "sub-1")
	h.clock.Advance(2 * day)
	h.tick(t)
	if got := h.reload(t, enr.ID); got.Status != api.EnrollmentWaitingCondition {
		t.Fatalf("expected waiting_condition, got %s", got.Status)
	}

	for i := 0; i < 4; i++ {
		h.clock.Advance(day)
		h.tick(t)
	}

	got := h.reload(t, enr.ID)
	if got.Status != api.EnrollmentExited {
		t.Fatalf("expected exited, got %s", got.Status)
	}
	if n := len(h.queue.ofType(taskqueue.TaskSendReminder)); n != 3 {
		t.Fatalf("expected 3 reminders, got %d", n)
	}
	if countHistory(got, api.HistoryRetrySent) != 3 {
		t.Fatalf("expected 3 retry_sent entries, got %+v", got.History)
	}
}

func TestSQLiteEngine_WelcomeScenario(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	runWelcomeScenario(t, store)
}

func TestPostgresEngine_WelcomeScenario(t *testing.T) {
	db, err := sql.Open("pgx", testutil.PostgresDSN(t))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	runWelcomeScenario(t, store)
}
