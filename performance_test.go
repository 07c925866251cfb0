package funnel

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestStepOverheadUnder1ms measures the average cost of a step on the
// in-memory engine over a long chain of zero delays and actions.
func TestStepOverheadUnder1ms(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in -short mode")
	}
	ctx := context.Background()

	const N = 500
	b := New("perf").Active().Start("start")
	for i := 0; i < N; i++ {
		b = b.Delay(fmt.Sprintf("d%04d", i), 0)
	}
	b.End("done")

	eng := NewInMemoryEngine(WithSettings(EngineConfig{MaxHops: 2 * N}), WithLogger(quietLogger()))
	b.MustRegister(ctx, eng)

	// Warm-up to keep graph loading out of the measurement.
	_, err := Enroll(ctx, eng, "perf", "warm")
	require.NoError(t, err)

	start := time.Now()
	enr, err := Enroll(ctx, eng, "perf", "sub")
	require.NoError(t, err)
	total := time.Since(start)

	require.Equal(t, EnrollmentCompleted, enr.Status)
	if avg := total / N; avg >= time.Millisecond {
		t.Fatalf("average overhead per step too high: %v (total %v for %d steps)", avg, total, N)
	}
}

// TestManyEnrollmentsFootprint enrolls a few thousand subscribers into a
// sleeping funnel and checks retained heap stays modest.
func TestManyEnrollmentsFootprint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping memory test in -short mode")
	}
	ctx := context.Background()

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	eng := NewInMemoryEngine(WithLogger(quietLogger()))
	New("sleepy").Active().
		Start("start").
		Delay("wait", time.Hour).
		End("done").
		MustRegister(ctx, eng)

	const N = 2000
	for i := 0; i < N; i++ {
		_, err := Enroll(ctx, eng, "sleepy", fmt.Sprintf("sub-%d", i))
		require.NoError(t, err)
	}

	runtime.GC()
	runtime.ReadMemStats(&after)

	var used uint64
	if after.HeapAlloc > before.HeapAlloc {
		used = after.HeapAlloc - before.HeapAlloc
	}
	const limit = 32 << 20
	if used > limit {
		t.Fatalf("retained heap too high: %d bytes for %d enrollments", used, N)
	}
	runtime.KeepAlive(eng)
}
