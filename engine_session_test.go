package gatekeeper

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSecondLoginReplacesFirstSession(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "ana@example.com", RoleUser)
	ctx := context.Background()

	first := newMemSession()
	second := newMemSession()
	h.login(t, first, "ana@example.com")
	h.login(t, second, "ana@example.com")

	user, err := h.engine.CurrentUser(ctx, first)
	if !errors.Is(err, ErrSessionReplaced) || !errors.Is(err, ErrSessionInvalidated) || user != nil {
		t.Fatalf("expected replaced session, got user=%v err=%v", user, err)
	}
	if _, ok := first.Get(sessionKeyUserID); ok {
		t.Fatalf("replaced caller must be logged out")
	}
	if notice := h.engine.TakeNotice(first); notice != "Your session expired. Sign in again." {
		t.Fatalf("unexpected notice %q", notice)
	}

	user, err = h.engine.CurrentUser(ctx, second)
	if err != nil || user == nil || user.ID != acct.ID {
		t.Fatalf("newest session must stay valid, got user=%v err=%v", user, err)
	}
	token, _ := second.Get(sessionKeyToken)
	if h.accounts.get(t, acct.ID).SessionToken != token {
		t.Fatalf("losing session must not clear the winner's token")
	}
}

func TestTerminateSessionsReportsTermination(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "bob@example.com", RoleUser)
	ctx := context.Background()
	sc := newMemSession()
	h.login(t, sc, "bob@example.com")
	if err := h.accounts.SetLoginAttempts(ctx, acct.ID, 3, 0); err != nil {
		t.Fatalf("set attempts: %v", err)
	}

	if err := h.engine.TerminateSessions(ctx, acct.ID, "admin"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if got := h.accounts.get(t, acct.ID); got.SessionForcedAt == 0 || got.FailedLoginAttempts != 0 {
		t.Fatalf("expected forced stamp and cleared counters, got %+v", got)
	}

	_, err := h.engine.CurrentUser(ctx, sc)
	if !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated, got %v", err)
	}
	if notice := h.engine.TakeNotice(sc); notice != "Your session was ended by the administrator. Sign in again." {
		t.Fatalf("unexpected notice %q", notice)
	}
}

func TestTerminateSessionsRefusesAdmins(t *testing.T) {
	h := newTestHarness(t, nil)
	admin := h.addUser(t, "root@example.com", RoleAdmin)
	if err := h.engine.TerminateSessions(context.Background(), admin.ID, "admin"); !errors.Is(err, ErrAdminProtected) {
		t.Fatalf("expected ErrAdminProtected, got %v", err)
	}
}

func TestCurrentUserIdleTimeout(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "cai@example.com", RoleUser)
	ctx := context.Background()
	sc := newMemSession()
	h.login(t, sc, "cai@example.com")

	h.clock.Advance(19 * time.Minute)
	if user, err := h.engine.CurrentUser(ctx, sc); err != nil || user == nil {
		t.Fatalf("expected active session, got %v err=%v", user, err)
	}
	if remaining, ok := h.engine.InactivityRemaining(sc); !ok || remaining != 20*time.Minute {
		t.Fatalf("expected activity refresh, got %v ok=%v", remaining, ok)
	}

	h.clock.Advance(21 * time.Minute)
	_, err := h.engine.CurrentUser(ctx, sc)
	if !errors.Is(err, ErrSessionIdle) {
		t.Fatalf("expected ErrSessionIdle, got %v", err)
	}
	if h.accounts.get(t, acct.ID).SessionToken != "" {
		t.Fatalf("idle logout must clear the caller's own token")
	}
}

func TestCurrentUserBackfillsMissingTokens(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "dora@example.com", RoleUser)
	sc := newMemSession()
	setSessionInt64(sc, sessionKeyUserID, acct.ID)

	user, err := h.engine.CurrentUser(context.Background(), sc)
	if err != nil || user == nil {
		t.Fatalf("expected backfilled session, got %v err=%v", user, err)
	}
	token, _ := sc.Get(sessionKeyToken)
	if token == "" || h.accounts.get(t, acct.ID).SessionToken != token {
		t.Fatalf("expected matching backfilled tokens")
	}
}

func TestCurrentUserClosedWindowLogsOut(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "eli@example.com", RoleUser)
	ctx := context.Background()
	sc := newMemSession()
	h.login(t, sc, "eli@example.com")

	acct = h.accounts.get(t, acct.ID)
	acct.AccessStartMinutes = intPtr(8 * 60)
	acct.AccessEndMinutes = intPtr(10 * 60)
	if err := h.accounts.Update(ctx, acct); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.clock.Advance(5 * time.Minute)

	_, err := h.engine.CurrentUser(ctx, sc)
	if !errors.Is(err, ErrAccessWindowClosed) {
		t.Fatalf("expected ErrAccessWindowClosed, got %v", err)
	}
	if _, ok := sc.Get(sessionKeyUserID); ok {
		t.Fatalf("caller must be logged out")
	}
}

func TestCurrentUserDisabledAccountLogsOut(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "fay@example.com", RoleUser)
	ctx := context.Background()
	sc := newMemSession()
	h.login(t, sc, "fay@example.com")

	if err := h.engine.SetAccountStatus(ctx, acct.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := h.engine.CurrentUser(ctx, sc); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestLogoutIsCompareAndClear(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "gus@example.com", RoleUser)
	ctx := context.Background()

	loser := newMemSession()
	winner := newMemSession()
	h.login(t, loser, "gus@example.com")
	h.login(t, winner, "gus@example.com")

	if err := h.engine.Logout(ctx, loser, LogoutOptions{}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	winnerToken, _ := winner.Get(sessionKeyToken)
	if h.accounts.get(t, acct.ID).SessionToken != winnerToken {
		t.Fatalf("stale logout revoked the newer session")
	}
	if user, err := h.engine.CurrentUser(ctx, winner); err != nil || user == nil {
		t.Fatalf("winner must stay signed in, got %v err=%v", user, err)
	}

	if err := h.engine.Logout(ctx, winner, LogoutOptions{Notice: "bye"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if h.accounts.get(t, acct.ID).SessionToken != "" {
		t.Fatalf("owner logout must clear the token")
	}
	if h.engine.TakeNotice(winner) != "bye" {
		t.Fatalf("expected logout notice")
	}
	if _, ok := winner.Get(sessionKeyCSRF); !ok {
		t.Fatalf("expected rotated csrf token")
	}
}

func TestRequestScopeCachesCurrentUser(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "hal@example.com", RoleUser)
	sc := newMemSession()
	h.login(t, sc, "hal@example.com")

	ctx := WithRequestScope(context.Background())
	first, err := h.engine.CurrentUser(ctx, sc)
	if err != nil || first == nil {
		t.Fatalf("current user: %v", err)
	}

	acct = h.accounts.get(t, acct.ID)
	acct.Name = "renamed"
	if err := h.accounts.Update(context.Background(), acct); err != nil {
		t.Fatalf("update: %v", err)
	}
	second, _ := h.engine.CurrentUser(ctx, sc)
	if second != first {
		t.Fatalf("expected cached user within the scope")
	}

	fresh, _ := h.engine.CurrentUser(WithRequestScope(context.Background()), sc)
	if fresh.Name != "renamed" {
		t.Fatalf("expected a new scope to reload, got %q", fresh.Name)
	}
}

func TestRefreshLastSeenIsThrottled(t *testing.T) {
	h := newTestHarness(t, nil)
	acct := h.addUser(t, "ivo@example.com", RoleUser)
	ctx := context.Background()
	sc := newMemSession()
	h.login(t, sc, "ivo@example.com")
	user, _ := h.engine.CurrentUser(ctx, sc)

	h.clock.Advance(time.Minute)
	if err := h.engine.RefreshLastSeen(ctx, sc, user); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := h.accounts.get(t, acct.ID).LastSeenAt; got != 0 {
		t.Fatalf("expected throttled write, got %d", got)
	}

	h.clock.Advance(2 * time.Minute)
	if err := h.engine.RefreshLastSeen(ctx, sc, user); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := h.accounts.get(t, acct.ID).LastSeenAt; got != h.clock.Now().Unix() {
		t.Fatalf("expected last seen %d, got %d", h.clock.Now().Unix(), got)
	}
}

func TestCSRFTokenRoundTrip(t *testing.T) {
	h := newTestHarness(t, nil)
	sc := newMemSession()

	token, err := h.engine.CSRFToken(sc)
	if err != nil || len(token) != 64 {
		t.Fatalf("csrf token: %q err=%v", token, err)
	}
	again, _ := h.engine.CSRFToken(sc)
	if again != token {
		t.Fatalf("expected stable csrf token")
	}
	if !h.engine.VerifyCSRF(sc, token) || h.engine.VerifyCSRF(sc, "nope") {
		t.Fatalf("unexpected csrf verification")
	}
}
