// Package middleware adapts the gatekeeper Access Guard to net/http.
//
// # Guard
//
// [Guard] resolves each request to a [gatekeeper.Action] through an
// [ActionMap], loads the caller's session bag from the Redis
// [session.Store] (cookie [DefaultSessionCookie]), and calls
// Engine.Authorize. Public and authenticated requests reach the wrapped
// handler with a [State] in the context; intercepted requests get a
// redirect, a 403, or a JSON body when the caller asked for JSON.
//
// The bag and any cookies queued by the engine are committed before the
// first header write, so handlers may call Engine methods (login, logout,
// TOTP) with State.Session and State.Request and just write their response.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not make
// authorization decisions of its own.
package middleware
