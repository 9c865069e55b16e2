package gatekeeper

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"slices"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper/certificate"
	"github.com/MrEthical07/gatekeeper/permission"
)

// issueTestCert returns a self-signed PEM certificate valid around now.
func issueTestCert(t *testing.T, now time.Time, cn, taxID string, mutate func(*x509.Certificate)) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, SerialNumber: taxID},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
	}
	if mutate != nil {
		mutate(tmpl)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func (h *testHarness) certRequest(pemText string) *Request {
	req := h.request()
	req.ClientCertPEM = pemText
	return req
}

func fingerprintOf(t *testing.T, pemText string) string {
	t.Helper()
	d, err := certificate.Parse(pemText)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d.Fingerprint
}

func TestAuthenticateCertificateMissingAndInvalid(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	res, err := h.engine.AuthenticateCertificate(ctx, h.request())
	if err != nil || res.Status != CertificateMissing || res.Message != msgCertificateMissing {
		t.Fatalf("expected missing, got %+v err=%v", res, err)
	}

	res, err = h.engine.AuthenticateCertificate(ctx, h.certRequest("garbage"))
	if err != nil || res.Status != CertificateInvalid {
		t.Fatalf("expected invalid, got %+v err=%v", res, err)
	}

	now := h.clock.Now()
	expired := issueTestCert(t, now, "OLD", "", func(c *x509.Certificate) {
		c.NotBefore = now.Add(-48 * time.Hour)
		c.NotAfter = now.Add(-24 * time.Hour)
	})
	res, _ = h.engine.AuthenticateCertificate(ctx, h.certRequest(expired))
	if res.Status != CertificateInvalid || res.Message != msgCertificateExpired || res.Fingerprint == "" {
		t.Fatalf("expected expired, got %+v", res)
	}

	future := issueTestCert(t, now, "NEW", "", func(c *x509.Certificate) {
		c.NotBefore = now.Add(time.Hour)
	})
	res, _ = h.engine.AuthenticateCertificate(ctx, h.certRequest(future))
	if res.Status != CertificateInvalid || res.Message != msgCertificateNotYet {
		t.Fatalf("expected not yet valid, got %+v", res)
	}
}

func TestAuthenticateCertificateBootstrapsFirstAdmin(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now()

	first := issueTestCert(t, now, "ROOT ADMIN", "11122233344", nil)
	res, err := h.engine.AuthenticateCertificate(ctx, h.certRequest(first))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Status != CertificateApproved || res.User == nil || !res.User.IsAdmin() {
		t.Fatalf("expected bootstrapped admin, got %+v", res)
	}
	if res.User.Name != "ROOT ADMIN" || !slices.Equal(res.User.Permissions, h.engine.Catalog().Sanitize(h.engine.Catalog().Keys())) {
		t.Fatalf("unexpected admin %+v", res.User)
	}

	second := issueTestCert(t, now, "SECOND", "55566677788", nil)
	res, err = h.engine.AuthenticateCertificate(ctx, h.certRequest(second))
	if err != nil || res.Status != CertificatePending {
		t.Fatalf("expected pending after bootstrap, got %+v err=%v", res, err)
	}

	res, _ = h.engine.AuthenticateCertificate(ctx, h.certRequest(first))
	if res.Status != CertificateApproved || !res.User.IsAdmin() {
		t.Fatalf("expected returning admin, got %+v", res)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricAdminBootstrap]; got != 1 {
		t.Fatalf("expected one bootstrap, got %d", got)
	}
}

func TestAuthenticateCertificateConfiguredFingerprint(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	pemText := issueTestCert(t, now, "OPS", "", nil)
	fp := fingerprintOf(t, pemText)

	h := newTestHarness(t, func(c *Config) {
		c.Certificate.BootstrapWhenNoAdmins = false
		c.Certificate.AdminFingerprints = []string{colonSeparated(fp)}
	})
	h.addUser(t, "root@example.com", RoleAdmin)
	ctx := context.Background()

	res, err := h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	if err != nil || res.Status != CertificateApproved || !res.User.IsAdmin() {
		t.Fatalf("expected configured admin, got %+v err=%v", res, err)
	}

	other := issueTestCert(t, now, "STRANGER", "", nil)
	res, _ = h.engine.AuthenticateCertificate(ctx, h.certRequest(other))
	if res.Status != CertificatePending {
		t.Fatalf("expected pending, got %+v", res)
	}
}

func colonSeparated(fp string) string {
	out := make([]byte, 0, len(fp)*3/2)
	for i := 0; i < len(fp); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, fp[i:i+2]...)
	}
	return string(out)
}

type failingAdminCount struct {
	*memAccounts
	fail bool
}

func (s *failingAdminCount) CountActiveAdmins(ctx context.Context) (int, error) {
	if s.fail {
		return 0, errors.New("database unavailable")
	}
	return s.memAccounts.CountActiveAdmins(ctx)
}

func TestAdminCountFailureIsNotMemoized(t *testing.T) {
	accounts := &failingAdminCount{memAccounts: newMemAccounts(), fail: true}
	clock := &testClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	engine, err := New().
		WithConfig(testConfig()).
		WithAccountStore(accounts).
		WithDeviceStore(&memDevices{}).
		WithAccessRequestStore(&memRequests{}).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(engine.Close)

	req := &Request{ClientCertPEM: issueTestCert(t, clock.Now(), "FIRST", "", nil)}
	if _, err := engine.AuthenticateCertificate(context.Background(), req); err == nil {
		t.Fatalf("expected count failure")
	}

	accounts.fail = false
	res, err := engine.AuthenticateCertificate(context.Background(), req)
	if err != nil || res.Status != CertificateApproved {
		t.Fatalf("expected bootstrap after recovery, got %+v err=%v", res, err)
	}
}

func TestAuthenticateCertificatePendingIsIdempotent(t *testing.T) {
	h := newTestHarness(t, nil)
	h.addUser(t, "root@example.com", RoleAdmin)
	ctx := context.Background()
	pemText := issueTestCert(t, h.clock.Now(), "JOANA", "98765432100", nil)

	for range 3 {
		res, err := h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
		if err != nil || res.Status != CertificatePending || res.Message != msgCertificatePending {
			t.Fatalf("expected pending, got %+v err=%v", res, err)
		}
		if res.Request == nil || res.Request.TaxID != "98765432100" {
			t.Fatalf("expected queued request, got %+v", res.Request)
		}
	}

	pending, err := h.engine.ListPendingAccessRequests(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected a single queued request, got %d err=%v", len(pending), err)
	}
}

func TestApproveAccessRequestGrantsAccess(t *testing.T) {
	h := newTestHarness(t, nil)
	h.addUser(t, "root@example.com", RoleAdmin)
	ctx := context.Background()
	pemText := issueTestCert(t, h.clock.Now(), "JOANA", "98765432100", nil)

	res, _ := h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	if res.Request == nil {
		t.Fatalf("expected queued request")
	}

	user, err := h.engine.ApproveAccessRequest(ctx, res.Request.ID, "root", "known employee",
		[]string{"crm.clients", permission.AdminKey, "bogus"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if user.IsAdmin() || !slices.Contains(user.Permissions, "crm.clients") ||
		slices.Contains(user.Permissions, permission.AdminKey) || slices.Contains(user.Permissions, "bogus") {
		t.Fatalf("expected sanitized non-admin grant, got %+v", user)
	}

	if _, err := h.engine.ApproveAccessRequest(ctx, res.Request.ID, "root", "", nil); !errors.Is(err, ErrAccessRequestDecided) {
		t.Fatalf("expected ErrAccessRequestDecided, got %v", err)
	}

	res, err = h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	if err != nil || res.Status != CertificateApproved || res.User.ID != user.ID {
		t.Fatalf("expected approved certificate, got %+v err=%v", res, err)
	}

	decisions, err := h.engine.ListRecentAccessDecisions(ctx, 0)
	if err != nil || len(decisions) != 1 || decisions[0].Status != AccessRequestApproved {
		t.Fatalf("unexpected decisions %+v err=%v", decisions, err)
	}
}

func TestApproveAccessRequestBindsExistingTaxID(t *testing.T) {
	h := newTestHarness(t, nil)
	h.addUser(t, "root@example.com", RoleAdmin)
	ctx := context.Background()

	existing := h.addUser(t, "joana@example.com", RoleUser, "crm.off")
	existing = h.accounts.get(t, existing.ID)
	existing.TaxID = "98765432100"
	if err := h.accounts.Update(ctx, existing); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, _ := h.engine.AuthenticateCertificate(ctx, h.certRequest(issueTestCert(t, h.clock.Now(), "JOANA", "98765432100", nil)))
	user, err := h.engine.ApproveAccessRequest(ctx, res.Request.ID, "", "", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if user.ID != existing.ID {
		t.Fatalf("expected the tax-id account %d, got %d", existing.ID, user.ID)
	}
	catalog := h.engine.Catalog()
	if !slices.Equal(user.Permissions, catalog.Sanitize(withoutAdminKey(catalog.DefaultProfilePermissions()))) {
		t.Fatalf("expected default profile, got %v", user.Permissions)
	}
	if got := h.accounts.get(t, existing.ID); got.CertificateFingerprint != res.Fingerprint || got.ApprovedBy != "admin" {
		t.Fatalf("expected rebound certificate, got %+v", got)
	}
}

func TestDenyAccessRequest(t *testing.T) {
	h := newTestHarness(t, nil)
	h.addUser(t, "root@example.com", RoleAdmin)
	ctx := context.Background()
	pemText := issueTestCert(t, h.clock.Now(), "INTRUDER", "", nil)

	res, _ := h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	if err := h.engine.DenyAccessRequest(ctx, res.Request.ID, "root", "unknown"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if err := h.engine.DenyAccessRequest(ctx, res.Request.ID, "root", "again"); !errors.Is(err, ErrAccessRequestDecided) {
		t.Fatalf("expected ErrAccessRequestDecided, got %v", err)
	}
	if pending, _ := h.engine.ListPendingAccessRequests(ctx); len(pending) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(pending))
	}

	// Presenting the certificate again re-queues it.
	res, _ = h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	if res.Status != CertificatePending {
		t.Fatalf("expected re-queued request, got %+v", res)
	}
}

func TestAuthenticateCertificateDisabledAccount(t *testing.T) {
	h := newTestHarness(t, nil)
	h.addUser(t, "root@example.com", RoleAdmin)
	ctx := context.Background()
	pemText := issueTestCert(t, h.clock.Now(), "PAULO", "", nil)

	res, _ := h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	user, err := h.engine.ApproveAccessRequest(ctx, res.Request.ID, "root", "", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.engine.SetAccountStatus(ctx, user.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	res, err = h.engine.AuthenticateCertificate(ctx, h.certRequest(pemText))
	if err != nil || res.Status != CertificateDenied {
		t.Fatalf("expected denied, got %+v err=%v", res, err)
	}
}

func TestLoginWithCertificateEstablishesSession(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()
	pemText := issueTestCert(t, h.clock.Now(), "ROOT ADMIN", "11122233344", nil)

	sc := newMemSession()
	oldID := sc.ID()
	res, attempt, err := h.engine.LoginWithCertificate(ctx, sc, h.certRequest(pemText))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	success, ok := attempt.(AttemptSuccess)
	if res.Status != CertificateApproved || !ok || success.AccountID != res.User.ID {
		t.Fatalf("expected a session, got %+v / %#v", res, attempt)
	}
	if sc.ID() == oldID {
		t.Fatalf("session id must rotate on login")
	}
	user, err := h.engine.CurrentUser(ctx, sc)
	if err != nil || user == nil || !user.IsAdmin() {
		t.Fatalf("expected current admin, got %+v err=%v", user, err)
	}

	other := issueTestCert(t, h.clock.Now(), "NEWCOMER", "99988877766", nil)
	sc2 := newMemSession()
	res, attempt, err = h.engine.LoginWithCertificate(ctx, sc2, h.certRequest(other))
	if err != nil || res.Status != CertificatePending || attempt != nil {
		t.Fatalf("pending certificate must not log in, got %+v / %#v err=%v", res, attempt, err)
	}
	if u, _ := h.engine.CurrentUser(ctx, sc2); u != nil {
		t.Fatalf("pending caller must stay anonymous")
	}
}
