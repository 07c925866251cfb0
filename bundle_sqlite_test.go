package funnel

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/netsendo/funnel/pkg/worker"
)

// TestSQLiteBundle_DurableAcrossRestart enrolls a subscriber, "crashes"
// before the welcome email is delivered, and checks that a new process
// finds both the enrollment and the pending delivery.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "bundle.db")

	// Phase 1: enroll, no worker runs.
	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db1.SetMaxOpenConns(1)

	bundle1, err := NewSQLiteBundle(db1, worker.Handlers{}, worker.Config{MaxAttempts: 3}, WithLogger(quietLogger()))
	require.NoError(t, err)

	New("welcome").Active().
		Start("start").
		Email("hello", "msg-hello").
		Delay("wait", 24*time.Hour).
		Email("follow-up", "msg-follow-up").
		End("done").
		MustRegister(ctx, bundle1.Engine)

	enr, err := Enroll(ctx, bundle1.Engine, "welcome", "sub-1")
	require.NoError(t, err)
	require.Equal(t, "follow-up", enr.CurrentStep)
	require.Equal(t, 1, bundle1.Pending())
	require.NoError(t, db1.Close())

	// Phase 2: a new process on the same file delivers the email.
	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db2.SetMaxOpenConns(1)
	defer db2.Close()

	m := &recordingMessenger{}
	bundle2, err := NewSQLiteBundle(db2, worker.Handlers{Messenger: m}, worker.Config{MaxAttempts: 3}, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.Equal(t, 1, bundle2.Pending())

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, 0, bundle2.Pending())
	require.Len(t, m.messages(), 1)
	require.Equal(t, "msg-hello", m.messages()[0].MessageID)

	got, err := bundle2.Engine.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, EnrollmentActive, got.Status)
	require.Equal(t, "follow-up", got.CurrentStep)
	require.NotNil(t, got.NextActionAt)
	require.WithinDuration(t, enr.EnrolledAt.Add(24*time.Hour), *got.NextActionAt, time.Second)
}
