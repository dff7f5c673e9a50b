// Package scheduling implements the per-owner scheduling context: an ordered
// work queue drained by one dedicated worker, a registry of scheduled tasks,
// and the clock those tasks are timed against.
//
// A Context runs every unit on the same goroutine, named after its owner, so
// collaborators may rely on non-reentrant, non-parallel access to their state.
// When backed by a simulation controller, timings are virtual and the
// controller's pump decides when scheduled tasks become due.
package scheduling
