// Package dispatch implements the notification send pipeline.
//
// A send moves a notification to SENDING, resolves its audience through the
// segmentation package, expands the audience into one delivery job per
// subscriber (Planner), executes the jobs on a bounded worker pool
// (Executor), persists one delivery log per job and records the final
// status. Only batch-wide preconditions (missing notification, signing
// credentials, audience resolution) surface as errors; per-subscriber
// failures become FAILED delivery logs.
//
// Repository implementations live in repository/postgres/.
package dispatch
