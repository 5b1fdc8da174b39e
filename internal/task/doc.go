// Package task schedules recurring, restart-safe work for chat bots.
//
// # Overview
//
// A Task is a reusable template (interval or cron cadence, execution cap,
// timeout, catch-up policy). Instantiating a task for a chat/user creates a
// persisted record driven by exactly one live timer. Records survive
// process restarts: on the next run they are re-adopted under a fresh
// session identity and reconciled against the configured catch-up policy.
//
// # One authoritative timer
//
// Every (re-)arm stores a fresh verification token on the record and
// schedules a single timer carrying that token. A timer whose token no
// longer matches is a guaranteed no-op when it fires, so at most one timer
// governs a record at any instant, without ever needing to cancel an
// in-flight timer.
//
// # Catch-up policies
//
// A one-shot timer cannot survive a restart, so fire events can be missed
// while the process is down. The policy decides how a resumed record is
// reconciled; it has two independent axes:
//
//   - repositioning: "ignore" advances the due time by whole intervals,
//     dropping missed firings; "restart" snaps it to now.
//   - timing: "curr" executes the missed occurrence immediately; "next"
//     just schedules one interval ahead.
//
// Accepted values: curr-ignore (default), curr-restart, curr-redo,
// next-ignore, next-restart. curr-redo behaves exactly like curr-ignore;
// the distinct name is kept for compatibility.
package task
