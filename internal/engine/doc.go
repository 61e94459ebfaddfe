// Package engine runs the publish lifecycle: it accepts posts, scores and
// conflict-checks them, and drives a single-flight dispatch loop that claims
// the highest-priority due post, calls the platform client, and applies the
// retry/backoff state machine until the post reaches a terminal state and is
// archived.
//
// # Lifecycle
//
// A post enters via SchedulePost as queued (or conflict when it collides
// with an active same-platform post). Operators move conflicted posts to
// ready with ResolveConflicts. The loop claims queued/ready posts whose
// scheduled time has arrived, marks them publishing, and on the outcome
// either archives them (published, failed) or re-enqueues them with an
// exponentially growing delay. Recurring posts are reset to queued with
// their next occurrence instead of being archived on success.
//
// # Concurrency
//
// One dispatch loop per process; the API methods are safe to call
// concurrently with it. When several processes share a store, the optional
// redis lease gates which one dispatches.
package engine
