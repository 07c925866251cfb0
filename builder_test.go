package funnel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsendo/funnel/pkg/api"
)

func TestFunnelBuilder_ChainsStepsInOrder(t *testing.T) {
	f, steps, err := New("welcome").
		Named("Welcome").
		OwnedBy("acct-1").
		OnListSignup("list-1").
		Start("start").
		Email("hello", "msg-hello").
		Delay("wait", time.Hour).
		End("done").
		Build()
	require.NoError(t, err)

	require.Equal(t, "Welcome", f.Name)
	require.Equal(t, "acct-1", f.OwnerID)
	require.Equal(t, api.FunnelDraft, f.Status)
	require.Equal(t, "list-1", f.ListID())

	require.Len(t, steps, 4)
	want := []string{"hello", "wait", "done", ""}
	for i, s := range steps {
		require.Equal(t, i, s.Position)
		require.Equal(t, "welcome", s.FunnelID)
		require.Equal(t, want[i], s.Next, "step %s", s.ID)
	}
}

func TestFunnelBuilder_EndIsNotLinked(t *testing.T) {
	_, steps, err := New("f").
		Start("start").
		If("vip", TagPresent("vip")).
		End("regular").
		Email("vip-mail", "msg-vip").
		End("done").
		Branch("vip", "vip-mail", "regular").
		Build()
	require.NoError(t, err)

	byID := map[string]api.Step{}
	for _, s := range steps {
		byID[s.ID] = s
	}
	require.Empty(t, byID["regular"].Next)
	require.Equal(t, "vip-mail", byID["vip"].NextYes)
	require.Equal(t, "regular", byID["vip"].NextNo)
	require.Equal(t, "done", byID["vip-mail"].Next)
}

func TestFunnelBuilder_LinkIsKept(t *testing.T) {
	_, steps, err := New("f").
		Start("start").
		Email("a", "m1").
		Link("a", "c").
		Email("b", "m2").
		Email("c", "m3").
		Build()
	require.NoError(t, err)
	require.Equal(t, "c", steps[1].Next)
	require.Equal(t, "c", steps[2].Next)
}

func TestFunnelBuilder_BuildRejectsDanglingLinks(t *testing.T) {
	_, _, err := New("f").
		Start("start").
		Link("start", "ghost").
		Build()
	require.Error(t, err)
	require.Contains(t, err.Error(), `"ghost"`)

	_, _, err = New("empty").Build()
	require.Error(t, err)
}

func TestFunnelBuilder_Panics(t *testing.T) {
	require.Panics(t, func() { New("") })
	require.Panics(t, func() { New("f").Start("s").Email("s", "m") })
	require.Panics(t, func() { New("f").Email("", "m") })
	require.Panics(t, func() { New("f").Link("nope", "x") })
	require.Panics(t, func() { New("f").Start("s").Branch("s", "a", "b") })
	require.Panics(t, func() { New("f").Split("ab", SplitConfig{}, Variant("a", 1, "")) })
}

func TestFunnelBuilder_WaitForSetsPolicy(t *testing.T) {
	_, steps, err := New("f").
		WaitFor("bought", TagPresent("purchased"), Retry(2).Every(time.Hour).Reminder("nudge").ThenUnsubscribe()).
		If("again", TagPresent("purchased")).
		Build()
	require.NoError(t, err)

	wait := steps[0].Config.(ConditionConfig)
	require.True(t, wait.WaitForCondition)
	require.Equal(t, RetryPolicy{
		Enabled:     true,
		MaxAttempts: 2,
		Interval:    time.Hour,
		OnExhausted: api.ExhaustedUnsubscribeExit,
		MessageID:   "nudge",
	}, wait.Retry)

	once := steps[1].Config.(ConditionConfig)
	require.False(t, once.WaitForCondition)
	require.False(t, once.Retry.Enabled)
}

func TestFunnelBuilder_RegisterRunsOnEngine(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	dir := newMemDirectory()
	eng := NewInMemoryEngine(
		WithClock(clock.Now),
		WithCollaborators(Collaborators{Directory: dir}),
	)

	New("welcome").
		OnListSignup("list-1").
		Active().
		Start("start").
		Email("hello", "msg-hello").
		Delay("wait", 48*time.Hour).
		WaitFor("bought", TagPresent("purchased"), Retry(3).Every(24*time.Hour).Reminder("msg-nudge").ThenExit()).
		Do("thanks", AddTag("customer")).
		End("done").
		MustRegister(ctx, eng)

	enr, err := Enroll(ctx, eng, "welcome", "sub-1")
	require.NoError(t, err)
	require.NotNil(t, enr)
	require.Equal(t, EnrollmentActive, enr.Status)
	require.Equal(t, "bought", enr.CurrentStep)
	require.True(t, enr.IsSleeping())

	clock.Advance(48 * time.Hour)
	res, err := Tick(ctx, eng)
	require.NoError(t, err)
	require.Equal(t, 1, res.Resumed)

	enr, err = eng.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, EnrollmentWaitingCondition, enr.Status)

	require.NoError(t, dir.AddTag(ctx, "sub-1", "purchased"))
	clock.Advance(time.Hour)
	res, err = Tick(ctx, eng)
	require.NoError(t, err)
	require.Equal(t, 1, res.Waiting)

	enr, err = eng.GetEnrollment(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, EnrollmentCompleted, enr.Status)
	has, _ := dir.HasTag(ctx, "sub-1", "customer")
	require.True(t, has)
}
