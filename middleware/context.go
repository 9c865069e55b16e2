package middleware

import (
	"context"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/session"
)

// State is what the guard hands to downstream handlers.
type State struct {
	Session *session.Bag
	Request *gatekeeper.Request
	Action  gatekeeper.Action
	// User is nil on public actions.
	User *gatekeeper.User

	incomingID string
	committed  bool
}

type stateContextKey struct{}

// StateFromContext returns the guard state stored by Guard.
func StateFromContext(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(stateContextKey{}).(*State)
	return st, ok
}

func withState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, st)
}
