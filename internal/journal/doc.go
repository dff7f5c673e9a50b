// Package journal records finished task invocations.
//
// It keeps an execution history for post-run analysis of a simulation or a
// live system; it does not persist scheduled tasks across restarts.
package journal
