// Package ginguard mounts the gatekeeper guard on a gin router.
package ginguard

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
	"github.com/gin-gonic/gin"
)

// ContextKeyUser is the gin context key holding the *gatekeeper.User of an
// authenticated request.
const ContextKeyUser = "gatekeeper.user"

// Middleware enforces g on every request. Actions resolve through the
// guard's ActionMap against the request path, independent of gin routes.
func Middleware(g *middleware.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := g.Enforce(c.Writer, c.Request)
		run(c, g, r, ok)
	}
}

// Require enforces action on the routes it is attached to.
func Require(g *middleware.Guard, action gatekeeper.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := g.EnforceAction(c.Writer, c.Request, action)
		run(c, g, r, ok)
	}
}

func run(c *gin.Context, g *middleware.Guard, r *http.Request, ok bool) {
	if !ok {
		c.Abort()
		return
	}
	c.Request = r
	if st, found := middleware.StateFromContext(r.Context()); found && st.User != nil {
		c.Set(ContextKeyUser, st.User)
	}

	orig := c.Writer
	w := &commitWriter{ResponseWriter: orig, commit: func() {
		if err := g.Commit(orig, c.Request); err != nil {
			_ = c.Error(err)
		}
	}}
	c.Writer = w
	c.Next()
	w.commitOnce()
}

// User returns the authenticated user of c.
func User(c *gin.Context) (*gatekeeper.User, bool) {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*gatekeeper.User)
	return u, ok
}

// State returns the guard state of c.
func State(c *gin.Context) (*middleware.State, bool) {
	return middleware.StateFromContext(c.Request.Context())
}

// commitWriter commits the session before gin flushes headers.
type commitWriter struct {
	gin.ResponseWriter
	commit func()
	done   bool
}

func (w *commitWriter) commitOnce() {
	if !w.done {
		w.done = true
		w.commit()
	}
}

func (w *commitWriter) WriteHeader(code int) {
	w.commitOnce()
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) WriteHeaderNow() {
	w.commitOnce()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *commitWriter) Write(b []byte) (int, error) {
	w.commitOnce()
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) WriteString(s string) (int, error) {
	w.commitOnce()
	return w.ResponseWriter.WriteString(s)
}
