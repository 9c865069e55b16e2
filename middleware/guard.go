package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/session"
	"go.uber.org/zap"
)

// DefaultSessionCookie names the cookie carrying the session id.
const DefaultSessionCookie = "gk_session"

// Options configure a Guard.
type Options struct {
	Engine    *gatekeeper.Engine
	Sessions  *session.Store
	Actions   *ActionMap
	Transport gatekeeper.TransportConfig
	// SessionCookie defaults to DefaultSessionCookie.
	SessionCookie string
	Logger        *zap.Logger
}

// Guard loads the caller's session bag, runs Engine.Authorize for the
// resolved action and persists the bag before the response is written.
type Guard struct {
	engine    *gatekeeper.Engine
	sessions  *session.Store
	actions   *ActionMap
	transport gatekeeper.TransportConfig
	cookie    string
	logger    *zap.Logger
}

// NewGuard validates opts.
func NewGuard(opts Options) (*Guard, error) {
	if opts.Engine == nil {
		return nil, errors.New("middleware: engine required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("middleware: session store required")
	}
	if opts.Actions == nil {
		return nil, errors.New("middleware: action map required")
	}
	if opts.SessionCookie == "" {
		opts.SessionCookie = DefaultSessionCookie
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Guard{
		engine:    opts.Engine,
		sessions:  opts.Sessions,
		actions:   opts.Actions,
		transport: opts.Transport,
		cookie:    opts.SessionCookie,
		logger:    opts.Logger.Named("guard"),
	}, nil
}

// Middleware wraps next with Enforce and commits the session on the first
// header write or when next returns.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := g.Enforce(w, r)
		if !ok {
			return
		}
		cw := &commitWriter{ResponseWriter: w, commit: func() { g.commitLogged(w, r) }}
		next.ServeHTTP(cw, r)
		cw.once.Do(cw.commit)
	})
}

// RequireAction authorizes every request of the wrapped handler as a,
// bypassing the ActionMap.
func (g *Guard) RequireAction(a gatekeeper.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, ok := g.EnforceAction(w, r, a)
			if !ok {
				return
			}
			cw := &commitWriter{ResponseWriter: w, commit: func() { g.commitLogged(w, r) }}
			next.ServeHTTP(cw, r)
			cw.once.Do(cw.commit)
		})
	}
}

// Enforce runs the guard for r. When it returns false the response was
// already written. Otherwise the returned request carries State and the
// caller must call Commit before writing headers.
func (g *Guard) Enforce(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	action, ok := g.actions.Resolve(r)
	if !ok {
		http.NotFound(w, r)
		return r, false
	}
	return g.EnforceAction(w, r, action)
}

// EnforceAction is Enforce for a fixed action.
func (g *Guard) EnforceAction(w http.ResponseWriter, r *http.Request, action gatekeeper.Action) (*http.Request, bool) {
	ctx := gatekeeper.WithRequestScope(r.Context())
	req := gatekeeper.NewRequest(r, g.transport)

	incoming := req.Cookie(g.cookie)
	bag, err := g.sessions.Load(ctx, incoming)
	if err != nil {
		g.logger.Error("session load failed", zap.Error(err))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return r, false
	}

	st := &State{Session: bag, Request: req, Action: action, incomingID: incoming}
	r = r.WithContext(withState(ctx, st))

	verdict, err := g.engine.Authorize(ctx, bag, req, action)
	if err != nil {
		g.logger.Error("authorize failed", zap.String("action", action.String()), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return r, false
	}

	switch v := verdict.(type) {
	case gatekeeper.Public:
		return r, true
	case gatekeeper.Authenticated:
		st.User = v.User
		return r, true
	case gatekeeper.Intercepted:
		g.commitLogged(w, r)
		writeInterception(w, r, v.Response)
		return r, false
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return r, false
	}
}

// Commit saves the session bag and queues the session and engine cookies on
// w. It runs once per request; later calls are no-ops.
func (g *Guard) Commit(w http.ResponseWriter, r *http.Request) error {
	st, ok := StateFromContext(r.Context())
	if !ok || st.committed {
		return nil
	}
	st.committed = true

	for _, c := range st.Request.ResponseCookies() {
		http.SetCookie(w, c)
	}

	bag := st.Session
	if !bag.Dirty() && bag.ID() == st.incomingID {
		return g.sessions.Touch(r.Context(), bag.ID())
	}
	if err := g.sessions.Save(r.Context(), bag); err != nil {
		return err
	}
	if bag.ID() != st.incomingID {
		http.SetCookie(w, &http.Cookie{
			Name:     g.cookie,
			Value:    bag.ID(),
			Path:     "/",
			HttpOnly: true,
			Secure:   st.Request.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return nil
}

func (g *Guard) commitLogged(w http.ResponseWriter, r *http.Request) {
	if err := g.Commit(w, r); err != nil {
		g.logger.Error("session save failed", zap.Error(err))
	}
}

// wantsJSON reports whether the caller is a script rather than a browser
// navigation.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

type interceptionBody struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Location string `json:"location,omitempty"`
}

func writeInterception(w http.ResponseWriter, r *http.Request, in gatekeeper.Interception) {
	if wantsJSON(r) {
		status := in.StatusCode()
		if status != http.StatusForbidden {
			status = http.StatusUnauthorized
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(interceptionBody{Error: in.Kind.String(), Message: in.Message, Location: in.Location})
		return
	}
	if in.Kind == gatekeeper.Forbidden {
		msg := in.Message
		if msg == "" {
			msg = http.StatusText(http.StatusForbidden)
		}
		http.Error(w, msg, http.StatusForbidden)
		return
	}
	http.Redirect(w, r, in.Location, in.StatusCode())
}

// commitWriter commits the session before the first header write.
type commitWriter struct {
	http.ResponseWriter
	commit func()
	once   sync.Once
}

func (w *commitWriter) WriteHeader(code int) {
	w.once.Do(w.commit)
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	w.once.Do(w.commit)
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
