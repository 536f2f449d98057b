// Package activity aggregates the events of one analysis session into live
// per-agent activity and an ordered trace.
//
// Each agent moves idle → active → complete and never leaves complete.
// Progress is clamped to [0, 100] and never decreases. All times come from
// event timestamps, never the wall clock, so applying the same event
// sequence to a fresh Aggregator always produces the same Snapshot.
package activity
