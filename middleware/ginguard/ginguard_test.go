package ginguard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
	"github.com/MrEthical07/gatekeeper/session"
	"github.com/MrEthical07/gatekeeper/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *middleware.Guard) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "gk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := gatekeeper.DefaultConfig()
	cfg.Certificate.ReadEnvFingerprints = false
	cfg.Session.Timezone = "UTC"
	cfg.Automation.Token = "s3cret"
	engine, err := gatekeeper.New().
		WithConfig(cfg).
		WithAccountStore(db.Accounts()).
		WithDeviceStore(db.Devices()).
		WithAccessRequestStore(db.AccessRequests()).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	actions := middleware.NewActionMap().
		Handle("GET /auth/login", gatekeeper.Action{Subject: "auth", Verb: "login_form"}).
		Handle("GET /crm/clients", gatekeeper.Action{Subject: "crm", Verb: "clients"})
	guard, err := middleware.NewGuard(middleware.Options{
		Engine:   engine,
		Sessions: session.NewStore(rdb, session.Options{}),
		Actions:  actions,
	})
	require.NoError(t, err)

	return gin.New(), guard
}

func TestMiddleware(t *testing.T) {
	router, guard := setupTestRouter(t)
	router.Use(Middleware(guard))
	router.GET("/auth/login", func(c *gin.Context) {
		st, ok := State(c)
		require.True(t, ok)
		c.String(http.StatusOK, st.Action.String())
	})
	router.GET("/crm/clients", func(c *gin.Context) {
		c.String(http.StatusOK, "clients")
	})

	t.Run("public action passes and sets the session cookie", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "auth.login_form", w.Body.String())
		assert.Contains(t, w.Header().Get("Set-Cookie"), middleware.DefaultSessionCookie+"=")
	})

	t.Run("anonymous request is redirected", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/crm/clients", nil))

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/auth/login", w.Header().Get("Location"))
	})

	t.Run("unmapped path is not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRequireAutomationAction(t *testing.T) {
	router, guard := setupTestRouter(t)
	action := gatekeeper.Action{Subject: "marketing_automation", Verb: "schedule_email"}
	router.POST("/automation/schedule", Require(guard, action), func(c *gin.Context) {
		_, authenticated := User(c)
		c.JSON(http.StatusOK, gin.H{"authenticated": authenticated})
	})

	req := httptest.NewRequest(http.MethodPost, "/automation/schedule", nil)
	req.Header.Set("X-Automation-Token", "s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"authenticated":false}`, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/automation/schedule", nil)
	req.Header.Set("Accept", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "redirect_login")
}
