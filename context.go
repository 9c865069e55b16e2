package gatekeeper

import "context"

type requestScopeContextKey struct{}

type requestScope struct {
	user     *User
	resolved bool
}

// WithRequestScope attaches a per-request cache to ctx. CurrentUser resolves
// the account at most once per scope; without a scope every call hits storage.
func WithRequestScope(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(requestScopeContextKey{}).(*requestScope); ok {
		return ctx
	}
	return context.WithValue(ctx, requestScopeContextKey{}, &requestScope{})
}

func scopeFromContext(ctx context.Context) *requestScope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(requestScopeContextKey{}).(*requestScope)
	return scope
}

func (s *requestScope) remember(u *User) {
	if s == nil {
		return
	}
	s.user = u
	s.resolved = u != nil
}

func (s *requestScope) forget() {
	if s == nil {
		return
	}
	s.user = nil
	s.resolved = false
}
