// Package storage persists the radar state in SQLite.
//
// It holds:
//   - The subscription ledger with per-subscription watermarks
//   - The delivery ledger used for at-most-once push dedup
//   - Destination routing overrides written on chat migration
package storage
