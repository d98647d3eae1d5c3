// Package market discovers and tracks the active up/down market instance of
// each duration class.
//
// The Tracker:
//   - Derives candidate slugs from the class window (current and next bucket)
//   - Selects the earliest tradable instance that is not about to close
//   - Emits a MarketChange whenever a class rolls over to a new instance
//   - Keeps a bounded slug->token history for resolving late outcome events
package market
