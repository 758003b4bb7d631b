// Package orchestrator drives projects through the research, planning and
// implementation phases.
//
// # Overview
//
// Each phase is run by a primary agent task. Starting a phase checks the
// phase gates, records the project state, publishes phase:started and
// enqueues the task; the call returns the task id immediately. Workers
// (see Run) dequeue tasks and execute them with the execution loop.
//
//	idle → research → planning → implementation
//
// # Phase Gates
//
// Gates run before a phase starts:
//   - ArtifactGate: the previous phase's artifact must exist and be non-empty
//     (research note before planning, plan before implementation).
//   - OrderGate: phases only move forward, and a phase can only be restarted
//     when it has no live primary task.
//
// A missing artifact is reported as *MissingArtifactError before any other
// check and is never retried.
//
// # Implementation
//
// Starting implementation enqueues the primary task together with one task
// per configured overwatcher (review, security and test generation by
// default). Overwatchers are independent: their failures are published as
// warning-level log events and never affect the primary task. When the
// primary completes, a documentation task is spawned and, when a Finalizer
// is configured, pull request creation is queued.
//
// # Finalization
//
// Pull request creation is the only retried step. Attempts are counted in
// the project's pull request record; once the configured maximum (3) is
// reached RetryPRCreation reports max_retries_exceeded without calling the
// Finalizer again.
//
// # State
//
// Task and project records live in the store and are updated with
// revision-checked writes. Pause and cancel are status changes in those
// records. A running loop is never interrupted; the orchestrator consults
// the status before recording results and before spawning follow-up tasks.
// The in-process arena only tracks handles for Wait and shutdown.
package orchestrator
