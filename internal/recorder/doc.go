// Package recorder wires the feed pollers, market tracker, writer queue,
// durable writer, rotation manager and watchdog into one running process.
//
// Lifecycle:
//   - New builds every component from a RecorderConfig
//   - Run starts them, follows market rollovers, and blocks until the
//     context is canceled or the writer halts on a fatal error
//   - Shutdown order: tracker and pollers, then writer drain and window
//     finalization, then the watchdog
package recorder
