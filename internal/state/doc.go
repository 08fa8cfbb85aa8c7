// Package state is the durable store for jobs, schedules, heartbeats,
// rate budgets, daily counters and the event log. It is the only package
// that talks to sqlite; everything above it works with the typed records
// defined here.
package state
