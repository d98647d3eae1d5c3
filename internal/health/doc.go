// Package health implements the feed watchdog.
//
// The Monitor owns one entry of atomic fields per feed. Only Monitor methods
// mutate an entry; pollers and the status reporter read copies through
// State and Snapshot. A feed stale beyond DegradedAfter becomes Degraded,
// beyond DownAfter becomes Down, and entering Down fires the feed's
// reconnect signal. The next success restores Healthy immediately.
package health
