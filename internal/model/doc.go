// Package model defines shared data types used across the recorder.
//
// Conventions:
//   - Prices and sizes: decimal.Decimal (outcome prices are 0-1, spot/oracle in USD)
//   - Timestamps: time.Time as observed by the recorder (UTC)
//   - IDs: string for market slugs and token IDs, uuid.UUID for events
package model
