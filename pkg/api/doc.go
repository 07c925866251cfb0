// Package api contains the public model of the funnel execution engine:
// funnels, steps, enrollments, A/B tests, the Engine interface, the
// collaborator interfaces the engine depends on, and the Observer hooks it
// reports through.
//
// Most users interact with the higher-level funnel package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations, alternative stores and contributors extending the
// engine itself.
//
// # Funnels and Steps
//
// A funnel is a directed graph of typed steps. Steps refer to each other by
// id (Next, NextYes, NextNo and the Variants of a split), never by pointer,
// so arbitrary graphs can be stored and loaded. Each step carries a
// type-specific StepConfig: EmailConfig, DelayConfig, ConditionConfig,
// ActionConfig, SplitConfig, WaitUntilConfig or GoalConfig. Start and end
// steps have no config.
//
// # Enrollments
//
// An Enrollment is one subscriber's run through one funnel. Its status is
// one of active, waiting_condition, completed or exited; CurrentStep is
// empty exactly when the status is terminal. An active enrollment with a
// NextActionAt is sleeping on a timer. History is an append-only audit log,
// while StepEnteredAt records when the current step was entered so retry
// intervals never have to be derived from the log.
//
// # Collaborators
//
// Message delivery, outbound webhooks and owner notifications are dispatched
// as fire-and-forget tasks. The subscriber Directory, the Tracker and the
// TaskLookup are called synchronously while conditions and actions run.
//
// # Observability
//
// Observer receives enrollment and step lifecycle callbacks. LoggingObserver
// logs through log/slog, BasicMetrics keeps in-process counters and
// CompositeObserver fans out to several observers.
package api
