// Package gql provides the value model shared by every syncql package:
// GraphQL-shaped operations, their variable and payload values, and the
// fingerprint used as cache key and deduplication key.
//
// This package has no internal imports. Everything else builds on it.
//
// Key design constraints:
//   - Variables are integral - numbers are int64 so fingerprints stay stable.
//     Payloads may carry Float for fractional server values
//   - Operations are immutable once constructed
//   - Fingerprints are content-addressed (canonical JSON + SHA-256)
package gql
