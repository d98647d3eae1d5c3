// Package status assembles read-only views of the running recorder.
//
// It never mutates recorder state. It produces a periodic status log line,
// a heartbeat file holding the last liveness timestamp, and the JSON
// /health and /debug/status endpoints.
package status
