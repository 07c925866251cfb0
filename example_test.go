package funnel_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/netsendo/funnel"
)

// Example_builder defines a welcome funnel and enrolls one subscriber.
func Example_builder() {
	ctx := context.Background()
	eng := funnel.NewInMemoryEngine()

	err := funnel.New("welcome").
		OnListSignup("list-1").
		Active().
		Start("start").
		Email("hello", "msg-hello").
		Delay("wait", 48*time.Hour).
		WaitFor("bought", funnel.TagPresent("purchased"),
			funnel.Retry(3).Every(24*time.Hour).Reminder("msg-nudge").ThenExit()).
		End("done").
		Register(ctx, eng)
	if err != nil {
		log.Fatal(err)
	}

	enr, err := funnel.Enroll(ctx, eng, "welcome", "sub-1")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(enr.Status, enr.CurrentStep, enr.IsSleeping())
	// Output: active bought true
}

// Example_pausedFunnel shows that enrolling into a funnel that is not
// active is a no-op.
func Example_pausedFunnel() {
	ctx := context.Background()
	eng := funnel.NewInMemoryEngine()

	funnel.New("draft").Start("start").End("done").MustRegister(ctx, eng)

	enr, err := funnel.Enroll(ctx, eng, "draft", "sub-1")
	fmt.Println(enr == nil, err)
	// Output: true <nil>
}
