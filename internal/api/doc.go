// Package api provides the request/response feed client for the external
// price and market sources.
//
// Endpoints:
//   - CLOB: /book, /midpoint, /spread (all keyed by ?token_id=)
//   - Gamma: /events?slug= (market discovery, target price, volume)
//   - Spot: /api/v3/ticker/price?symbol=
//   - Event page: HTML fallback for the target price
//
// Every call is bounded by connect/read timeouts and a retry budget. Final
// failures are returned as *FetchError classified as transient or
// auth/malformed.
package api
