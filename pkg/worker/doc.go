// Package worker delivers the side effects the funnel engine dispatches as
// fire-and-forget tasks: funnel emails, condition reminders, outbound
// webhooks and owner notifications.
//
// The engine never waits for these deliveries. It enqueues a task and moves
// the enrollment on; a Worker consumes the queue and calls the configured
// collaborator. A failed delivery is re-enqueued with a NotBefore in the
// future, doubling the delay per attempt up to Config.MaxBackoff, until
// Config.MaxAttempts is reached. Errors wrapped with Permanent (for example
// a webhook answering 4xx) are dropped on the first failure.
//
// Workers are decoupled from any particular queue backend. Multiple workers
// may consume the same queue to scale delivery.
package worker
