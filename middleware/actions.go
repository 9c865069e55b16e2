package middleware

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
)

// ActionMap resolves requests to guard actions with http.ServeMux patterns
// ("GET /crm/clients", "POST /admin/access-requests/{id}/approve").
type ActionMap struct {
	mux *http.ServeMux
}

type actionHandler struct {
	action gatekeeper.Action
}

func (actionHandler) ServeHTTP(http.ResponseWriter, *http.Request) {}

// NewActionMap returns an empty map.
func NewActionMap() *ActionMap {
	return &ActionMap{mux: http.NewServeMux()}
}

// Handle binds pattern to action. It panics on conflicting patterns, like
// http.ServeMux.
func (m *ActionMap) Handle(pattern string, action gatekeeper.Action) *ActionMap {
	m.mux.Handle(pattern, actionHandler{action: action})
	return m
}

// Resolve returns the action bound to the most specific pattern matching r.
func (m *ActionMap) Resolve(r *http.Request) (gatekeeper.Action, bool) {
	h, _ := m.mux.Handler(r)
	ah, ok := h.(actionHandler)
	if !ok {
		return gatekeeper.Action{}, false
	}
	return ah.action, true
}
