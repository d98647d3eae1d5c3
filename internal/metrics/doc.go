// Package metrics provides lock-free counters for the recorder.
//
// Every error class and loss class is counted here:
//   - Fetch failures, transient retries and auth/malformed errors
//   - Queue saturation losses and late data losses
//   - Storage write retries, storage failures and window rotations
//   - Health transitions and lag measured/unmeasured outcomes
package metrics
