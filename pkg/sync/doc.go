// ABOUTME: Playout clock package
// ABOUTME: Supplies the time source the playout engine compares tags against
// Package sync provides clocks for precise audio timing.
//
// ClockSync tracks offset and drift of the local clock against a reference
// using NTP-style four-timestamp exchanges. ManualClock is a virtual clock
// for simulations.
//
// Example:
//
//	cs := sync.NewClockSync(nil)
//	cs.ProcessSyncResponse(t1, t2, t3, t4)
//	now := cs.NowMicros()
package sync
