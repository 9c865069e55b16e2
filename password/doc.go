// Package password hashes, verifies and validates account passwords.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// bcrypt hashes left by older deployments still verify; [Argon2.NeedsUpgrade]
// reports them (and argon2id hashes with weaker parameters) so the caller can
// re-hash after the next successful sign-in.
//
// [Validate] holds the password rules applied on registration and password
// change. It is pure: no storage and no side effects.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other gatekeeper package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
