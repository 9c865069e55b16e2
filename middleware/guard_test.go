package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/session"
	"github.com/MrEthical07/gatekeeper/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "Str0ng!Passw0rd"

type guardHarness struct {
	engine *gatekeeper.Engine
	db     *sqlite.DB
	redis  *miniredis.Miniredis
	server *httptest.Server
	client *http.Client
}

func newGuardHarness(t *testing.T) *guardHarness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "gk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := gatekeeper.DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Certificate.ReadEnvFingerprints = false
	cfg.Session.Timezone = "UTC"

	engine, err := gatekeeper.New().
		WithConfig(cfg).
		WithAccountStore(db.Accounts()).
		WithDeviceStore(db.Devices()).
		WithAccessRequestStore(db.AccessRequests()).
		WithSettingsStore(db).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := session.NewStore(rdb, session.Options{OwnerKey: gatekeeper.SessionOwnerKey})

	actions := NewActionMap().
		Handle("GET /auth/login", gatekeeper.Action{Subject: "auth", Verb: "login_form"}).
		Handle("POST /auth/login", gatekeeper.Action{Subject: "auth", Verb: "login"}).
		Handle("GET /crm/clients", gatekeeper.Action{Subject: "crm", Verb: "clients"}).
		Handle("GET /crm/clients/{id}", gatekeeper.Action{Subject: "crm", Verb: "show_client"}).
		Handle("GET /config", gatekeeper.Action{Subject: "config", Verb: "index"})

	guard, err := NewGuard(Options{Engine: engine, Sessions: store, Actions: actions})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		st, _ := StateFromContext(r.Context())
		res, err := engine.Attempt(r.Context(), st.Session, st.Request, r.FormValue("email"), r.FormValue("password"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if f, ok := res.(gatekeeper.AttemptFailure); ok {
			http.Error(w, f.Message, http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, "/crm/clients", http.StatusFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		st, ok := StateFromContext(r.Context())
		if !ok {
			http.Error(w, "no state", http.StatusInternalServerError)
			return
		}
		if st.User != nil {
			_, _ = w.Write([]byte("hello " + st.User.Email))
			return
		}
		_, _ = w.Write([]byte("public " + st.Action.String()))
	})

	srv := httptest.NewServer(guard.Middleware(mux))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &guardHarness{engine: engine, db: db, redis: mr, server: srv, client: client}
}

func (h *guardHarness) addUser(t *testing.T, email string, permissions ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.engine.RegisterPendingUser(ctx, gatekeeper.RegistrationRequest{Name: "Test", Email: email, Password: testPassword}))
	acct, err := h.db.Accounts().FindByEmail(ctx, email)
	require.NoError(t, err)
	_, err = h.engine.ApprovePendingAccount(ctx, acct.ID, "admin", permissions)
	require.NoError(t, err)
}

func (h *guardHarness) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *guardHarness) login(t *testing.T, email string) *http.Response {
	t.Helper()
	resp, err := h.client.PostForm(h.server.URL+"/auth/login", url.Values{"email": {email}, "password": {testPassword}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestGuardUnknownPathIsNotFound(t *testing.T) {
	h := newGuardHarness(t)
	resp := h.get(t, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGuardPublicActionIssuesSessionCookie(t *testing.T) {
	h := newGuardHarness(t)
	resp := h.get(t, "/auth/login", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public auth.login_form", readBody(t, resp))

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == DefaultSessionCookie {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.True(t, h.redis.Exists("gk:sess:"+sessionCookie.Value))
}

func TestGuardAnonymousRedirectsToLogin(t *testing.T) {
	h := newGuardHarness(t)

	resp := h.get(t, "/crm/clients", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/auth/login", resp.Header.Get("Location"))

	resp = h.get(t, "/crm/clients", http.Header{"Accept": {"application/json"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body interceptionBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "redirect_login", body.Error)
	assert.Equal(t, "/auth/login", body.Location)
}

func TestGuardLoginThenBrowse(t *testing.T) {
	h := newGuardHarness(t)
	h.addUser(t, "ana@example.com", "crm.clients")

	before := h.get(t, "/auth/login", nil)
	require.Equal(t, http.StatusOK, before.StatusCode)

	resp := h.login(t, "ana@example.com")
	require.Equal(t, http.StatusFound, resp.StatusCode, readBody(t, resp))
	names := map[string]bool{}
	for _, c := range resp.Cookies() {
		names[c.Name] = true
	}
	assert.True(t, names["ms_device_id"], "device cookie must be written")
	assert.True(t, names[DefaultSessionCookie], "regenerated session id must be written")

	resp = h.get(t, "/crm/clients/42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello ana@example.com", readBody(t, resp))

	resp = h.get(t, "/config", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGuardRejectedLoginKeepsAnonymous(t *testing.T) {
	h := newGuardHarness(t)
	h.addUser(t, "bia@example.com", "crm.clients")

	resp, err := h.client.PostForm(h.server.URL+"/auth/login", url.Values{"email": {"bia@example.com"}, "password": {"wrong"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.get(t, "/crm/clients", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestGuardRedisDownIsUnavailable(t *testing.T) {
	h := newGuardHarness(t)
	resp := h.get(t, "/auth/login", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h.redis.Close()
	resp = h.get(t, "/auth/login", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewGuardRequiresDependencies(t *testing.T) {
	_, err := NewGuard(Options{})
	assert.Error(t, err)
}

func TestActionMapResolve(t *testing.T) {
	m := NewActionMap().
		Handle("POST /admin/access-requests/{id}/approve", gatekeeper.Action{Subject: "access_requests", Verb: "approve"}).
		Handle("GET /profile", gatekeeper.Action{Subject: "profile", Verb: "show"})

	a, ok := m.Resolve(httptest.NewRequest(http.MethodPost, "/admin/access-requests/7/approve", nil))
	require.True(t, ok)
	assert.Equal(t, "approve", a.Verb)

	_, ok = m.Resolve(httptest.NewRequest(http.MethodGet, "/admin/access-requests/7/approve", nil))
	assert.False(t, ok)

	a, ok = m.Resolve(httptest.NewRequest(http.MethodHead, "/profile", nil))
	require.True(t, ok, "GET patterns also match HEAD")
	assert.Equal(t, "show", a.Verb)
}
