// Package storage owns the day-scoped storage windows the writer appends to.
//
// A Manager holds exactly one active window. When an event for a later
// calendar day arrives, the Manager opens the next day's window and retires
// the previous one. A retired window may stay reachable for a short grace
// period so late events of its date can still land there; after that it is
// finalized and never reopened.
//
// Two backends implement the Backend interface:
//
//   - SQLiteBackend keeps one database file per day (<prefix>_YYYY-MM-DD.db)
//   - PostgresBackend keeps one schema per day (<prefix>_YYYY_MM_DD)
//
// Both store the same tables: markets, tokens, price_snapshots,
// orderbook_snapshots, volume_snapshots and system_events.
package storage
