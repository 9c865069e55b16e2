// Package gatekeeper is the authentication and authorization core of a
// back-office web application: password login with optional TOTP, client
// certificate sign-in, single-session enforcement, per-account access
// windows, device trust and a route guard backed by a permission catalog.
//
// Engine methods are safe for concurrent use after [Builder.Build]. The
// per-caller state lives in the [SessionContext] handed to each call, and
// transport metadata in a [Request] built by [NewRequest].
//
// # Architecture boundaries
//
// gatekeeper is the public surface. Persistence is reached only through
// [AccountStore], [DeviceStore], [AccessRequestStore] and [SettingsStore];
// store/sqlite implements them. Caller sessions are persisted by the session
// package, HTTP adapters live under middleware/, and audit dispatch lives
// under internal/.
//
// # What this package must NOT do
//
//   - Write HTTP responses. Denials are values ([AttemptFailure],
//     [Intercepted]) that adapters render.
//   - Keep per-caller state in the Engine.
//   - Import any sub-package that re-imports gatekeeper (no import cycles).
//
// # Session model
//
// Each account holds at most one live session. A login writes a fresh token
// to the account and mirrors it into the caller session; [Engine.CurrentUser]
// logs out every caller whose token no longer matches.
package gatekeeper
