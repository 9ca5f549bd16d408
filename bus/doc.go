// Package bus provides the in-process event bus and bounded message log
// for a deliberation session.
//
// Dispatch is deferred: handlers run on a dedicated dispatcher goroutine,
// never on the caller's stack, so a handler can safely call back into the
// bus. The message log is pruned to a configured maximum; virtual offsets
// stay valid across pruning through the running pruned count.
package bus
