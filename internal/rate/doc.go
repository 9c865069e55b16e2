// Package rate counts failed attempts in Redis fixed windows.
//
// Each identifier (and optionally each client IP) owns one counter. The
// first failure in a window sets the expiry; the counter is refused once it
// exceeds MaxAttempts and resets when the window lapses or on Reset.
//
// Key layout, under Config.Prefix:
//   - <prefix>:id:<identifier>
//   - <prefix>:ip:<ip>
package rate
