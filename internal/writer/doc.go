// Package writer implements the durable writer: the only component that
// mutates storage.
//
// One goroutine pops batches from the writer queue, orders them by event
// timestamp, splits them by calendar day and appends each group to the
// storage window the rotation manager hands out. Every group is one
// transaction, so a crash loses at most the batch in flight.
//
// Storage write failures are retried a bounded number of times. Exhaustion,
// or a failure to open the next day's window, is fatal: the writer stops
// consuming and reports the error through Err and Done.
package writer
