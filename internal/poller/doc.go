// Package poller implements the Feed Poller component.
//
// One Poller runs per feed and market instance. On each tick it calls its
// Fetcher, reports the outcome to the watchdog and pushes the resulting
// events onto the writer queue:
//
//	Idle -> Fetching -> Emitting -> Idle
//	                 -> Backoff  -> Idle
//
// Failures back off exponentially up to a cap. A reconnect signal from the
// watchdog resets the backoff and the fetcher's connection state.
//
// Enqueue never blocks past the configured timeout. When the queue stays
// full the oldest queued event is evicted and counted as a saturation loss.
package poller
