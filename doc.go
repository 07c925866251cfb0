// Package funnel provides an embeddable execution engine for marketing
// automation funnels.
//
// A funnel is a graph of steps owned by one account: emails, delays,
// conditions, actions, A/B splits, goals and an end. Trigger detectors
// enroll subscribers; the engine then walks each enrollment through the
// graph, persisting its position so that long waits survive restarts.
//
// # Engine
//
// The Engine stores funnel definitions and enrollments and exposes three
// entry points:
//
//   - EnrollSubscriber, called when a trigger fires
//   - ProcessReadyEnrollments, which wakes enrollments whose delay elapsed
//   - ProcessWaitingEnrollments, which polls conditions, sends reminders
//     and applies the exhaustion policy
//
// The batch entry points are meant to be called by a scheduler at a fixed
// interval. Tick calls both. Several processes may share one store: every
// enrollment is leased before it is processed, so no enrollment is handled
// twice in one tick.
//
// Engines can be backed by memory (tests), SQLite or PostgreSQL.
//
// # Delivery
//
// Emails, reminders, webhooks and owner notifications are not performed
// inline. The engine writes them to a task queue and a Worker delivers them
// with retries. Queues exist for memory, SQLite, Redis and MongoDB.
//
// # Building funnels
//
// FunnelBuilder defines funnels in code:
//
//	funnel.New("welcome").
//	    OnListSignup("list-1").
//	    Active().
//	    Start("start").
//	    Email("hello", "msg-hello").
//	    Delay("wait", 48*time.Hour).
//	    WaitFor("bought", funnel.TagPresent("purchased"),
//	        funnel.Retry(3).Every(24*time.Hour).Reminder("msg-nudge").ThenExit()).
//	    End("done")
//
// Funnels can also be loaded from YAML files with the funnelctl command.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker with a ticker.
// It is not crash-durable; NewSQLiteBundle is the durable equivalent.
package funnel
