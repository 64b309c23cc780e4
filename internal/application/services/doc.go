// Package services contains the flow engine's application layer: the pass
// orchestration, step execution, transition resolution, action dispatch, and
// the background workers (outbound outbox, timeout sweeper). Dependencies are
// declared as ports interfaces for testability.
package services
