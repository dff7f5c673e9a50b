// Package simulation implements the virtual clock and the pump loop that
// advances it.
//
// A Controller owns one virtual timeline shared by every attached scheduling
// context. Virtual time advances in proportion to elapsed wall time times a
// speed factor while RUNNING. On each pump tick the controller sweeps the
// attached targets so due tasks move into their workers' queues; it never runs
// task bodies itself.
package simulation
