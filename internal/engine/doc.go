// Package engine turns independently arriving generation requests into a
// stream of batched forward passes. It is structured into small files by
// concern:
//
//   - scheduler.go: Scheduler type, constructor, Submit/Cancel, Run loop.
//   - config.go: SchedulerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: Request, Response, Phase, FinishReason, Handle.
//   - errors.go: error types and helpers (IsQueueFull, IsUnsupportedModality, ...).
//   - sequence.go: per-request mutable state and stop criteria.
//   - tick.go: one scheduling tick (admission, selection, execution).
//   - preprocess.go: worker pool that prepares new admissions off the loop.
//   - outbox.go: response dispatcher that never blocks the loop.
//   - metrics.go: Prometheus collectors.
//   - status.go: Status/Ready/LiveCount reporting.
//   - generate.go: Generate and the NDJSON Infer entry point.
//   - convert.go: API request conversion (image decoding, adapters, sampling).
//
// Only the Run goroutine mutates sequences. Submit and Cancel are safe for
// concurrent use; they enqueue a message or set a flag consumed at the next
// tick boundary.
package engine
