// Package session persists browser sessions in Redis.
//
// A [Bag] is the per-browser key/value map the authentication engine reads
// and writes through its SessionContext contract. The [Store] loads a bag by
// identifier, saves it with a sliding idle lifetime and deletes identifiers
// given up by [Bag.Regenerate], so a pre-login identifier never resolves
// after sign-in.
//
// # Encoding
//
// Bags are stored in a small versioned binary format (see [Encode]). Older
// versions are migrated on read; unreadable data is treated as a missing
// bag.
//
// # What this package must NOT do
//
//   - Import gatekeeper (no upward imports).
//   - Interpret the values it stores.
package session
