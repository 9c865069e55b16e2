package gatekeeper

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"
)

const testPassword = "Str0ng!Passw0rd"

type memAccounts struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*Account

	clearCalls int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: make(map[int64]*Account)}
}

func copyAccount(a *Account) *Account {
	out := *a
	out.Permissions = slices.Clone(a.Permissions)
	return &out
}

func (s *memAccounts) find(match func(*Account) bool) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if a := s.accounts[id]; match(a) {
			return copyAccount(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *memAccounts) FindByID(_ context.Context, id int64) (*Account, error) {
	return s.find(func(a *Account) bool { return a.ID == id })
}

func (s *memAccounts) FindByEmail(_ context.Context, email string) (*Account, error) {
	return s.find(func(a *Account) bool { return email != "" && a.Email == email })
}

func (s *memAccounts) FindByFingerprint(_ context.Context, fp string) (*Account, error) {
	return s.find(func(a *Account) bool { return fp != "" && a.CertificateFingerprint == fp })
}

func (s *memAccounts) FindByTaxID(_ context.Context, taxID string) (*Account, error) {
	return s.find(func(a *Account) bool { return taxID != "" && a.TaxID == taxID })
}

func (s *memAccounts) Create(_ context.Context, a *Account) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := copyAccount(a)
	stored.ID = s.nextID
	s.accounts[stored.ID] = stored
	return stored.ID, nil
}

func (s *memAccounts) Update(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.ID]
	if !ok {
		return ErrAccountNotFound
	}
	next := copyAccount(a)
	// Update owns profile columns only.
	next.PasswordHash = cur.PasswordHash
	next.PreviousPasswordHash = cur.PreviousPasswordHash
	next.PasswordUpdatedAt = cur.PasswordUpdatedAt
	next.FailedLoginAttempts = cur.FailedLoginAttempts
	next.LockedUntil = cur.LockedUntil
	next.TOTPSecret = cur.TOTPSecret
	next.TOTPEnabled = cur.TOTPEnabled
	next.TOTPConfirmedAt = cur.TOTPConfirmedAt
	next.SessionToken = cur.SessionToken
	next.SessionForcedAt = cur.SessionForcedAt
	s.accounts[a.ID] = next
	return nil
}

func (s *memAccounts) CountActiveAdmins(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.accounts {
		if a.Role == RoleAdmin && a.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *memAccounts) mutate(id int64, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	fn(a)
	return nil
}

func (s *memAccounts) SetLoginAttempts(_ context.Context, id int64, attempts int, lockedUntil int64) error {
	return s.mutate(id, func(a *Account) {
		a.FailedLoginAttempts = attempts
		a.LockedUntil = lockedUntil
	})
}

func (s *memAccounts) SetPasswordHash(_ context.Context, id int64, hash, previous string, updatedAt int64) error {
	return s.mutate(id, func(a *Account) {
		a.PasswordHash = hash
		a.PreviousPasswordHash = previous
		a.PasswordUpdatedAt = updatedAt
	})
}

func (s *memAccounts) SetTOTP(_ context.Context, id int64, secret string, enabled bool, confirmedAt int64) error {
	return s.mutate(id, func(a *Account) {
		a.TOTPSecret = secret
		a.TOTPEnabled = enabled
		a.TOTPConfirmedAt = confirmedAt
	})
}

func (s *memAccounts) SetSessionToken(_ context.Context, id int64, token string, forcedAt int64) error {
	return s.mutate(id, func(a *Account) {
		a.SessionToken = token
		a.SessionForcedAt = forcedAt
	})
}

func (s *memAccounts) ClearSessionToken(_ context.Context, id int64, expected string, forcedAt int64) (bool, error) {
	cleared := false
	err := s.mutate(id, func(a *Account) {
		s.clearCalls++
		if a.SessionToken == expected {
			a.SessionToken = ""
			a.SessionForcedAt = forcedAt
			cleared = true
		}
	})
	return cleared, err
}

func (s *memAccounts) RecordLogin(_ context.Context, id int64, meta SessionMetadata) error {
	return s.mutate(id, func(a *Account) {
		a.SessionIP = meta.IP
		a.SessionLocation = meta.Location
		a.SessionUserAgent = meta.UserAgent
		a.SessionStartedAt = meta.StartedAt
		a.LastLoginAt = meta.StartedAt
	})
}

func (s *memAccounts) TouchLastSeen(_ context.Context, id int64, at int64) error {
	return s.mutate(id, func(a *Account) { a.LastSeenAt = at })
}

func (s *memAccounts) get(t *testing.T, id int64) *Account {
	t.Helper()
	a, err := s.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("account %d: %v", id, err)
	}
	return a
}

type memDevices struct {
	mu      sync.Mutex
	nextID  int64
	devices []*Device
}

func (s *memDevices) FindByFingerprint(_ context.Context, accountID int64, fp string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.AccountID == accountID && d.Fingerprint == fp {
			out := *d
			return &out, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (s *memDevices) upsert(accountID int64, fp string, seen DeviceSighting) *Device {
	for _, d := range s.devices {
		if d.AccountID == accountID && d.Fingerprint == fp {
			applySighting(d, seen)
			return d
		}
	}
	s.nextID++
	d := &Device{ID: s.nextID, AccountID: accountID, Fingerprint: fp, CreatedAt: seen.At}
	applySighting(d, seen)
	s.devices = append(s.devices, d)
	return d
}

func applySighting(d *Device, seen DeviceSighting) {
	if seen.UserAgent != "" {
		d.UserAgent = seen.UserAgent
	}
	d.LastIP = seen.IP
	d.LastLocation = seen.Location
	d.LastSeenAt = seen.At
}

func (s *memDevices) RecordApproved(_ context.Context, accountID int64, fp string, seen DeviceSighting, approvedBy string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.upsert(accountID, fp, seen)
	if d.ApprovedAt == 0 {
		d.ApprovedAt = seen.At
		d.ApprovedBy = approvedBy
	}
	out := *d
	return &out, nil
}

func (s *memDevices) RecordPending(_ context.Context, accountID int64, fp string, seen DeviceSighting) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.upsert(accountID, fp, seen)
	return &out, nil
}

func (s *memDevices) MarkSeen(_ context.Context, deviceID int64, seen DeviceSighting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == deviceID {
			applySighting(d, seen)
			return nil
		}
	}
	return ErrDeviceNotFound
}

func (s *memDevices) ListForAccount(_ context.Context, accountID int64) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Device
	for _, d := range s.devices {
		if d.AccountID == accountID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memDevices) Approve(_ context.Context, deviceID int64, approvedBy string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == deviceID {
			if d.ApprovedAt == 0 {
				d.ApprovedAt = at
				d.ApprovedBy = approvedBy
			}
			return nil
		}
	}
	return ErrDeviceNotFound
}

type memRequests struct {
	mu       sync.Mutex
	nextID   int64
	requests []*CertificateAccessRequest
}

func (s *memRequests) Find(_ context.Context, id int64) (*CertificateAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ID == id {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrAccessRequestNotFound
}

func (s *memRequests) FindByFingerprint(_ context.Context, fp string) (*CertificateAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.Fingerprint == fp {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrAccessRequestNotFound
}

func (s *memRequests) UpsertPending(_ context.Context, req CertificateAccessRequest) (*CertificateAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.Fingerprint == req.Fingerprint {
			id, created := r.ID, r.CreatedAt
			*r = req
			r.ID, r.CreatedAt = id, created
			r.Status = AccessRequestPending
			out := *r
			return &out, nil
		}
	}
	s.nextID++
	stored := req
	stored.ID = s.nextID
	stored.Status = AccessRequestPending
	s.requests = append(s.requests, &stored)
	out := stored
	return &out, nil
}

func (s *memRequests) decide(id int64, status AccessRequestStatus, by, reason string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ID == id {
			r.Status, r.DecidedBy, r.Reason, r.DecidedAt = status, by, reason, at
			return nil
		}
	}
	return ErrAccessRequestNotFound
}

func (s *memRequests) MarkApproved(_ context.Context, id int64, by, reason string, at int64) error {
	return s.decide(id, AccessRequestApproved, by, reason, at)
}

func (s *memRequests) MarkDenied(_ context.Context, id int64, by, reason string, at int64) error {
	return s.decide(id, AccessRequestDenied, by, reason, at)
}

func (s *memRequests) ListPending(context.Context) ([]CertificateAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CertificateAccessRequest
	for _, r := range s.requests {
		if r.Status == AccessRequestPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memRequests) ListRecentDecisions(_ context.Context, limit int) ([]CertificateAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CertificateAccessRequest
	for _, r := range s.requests {
		if r.Status != AccessRequestPending {
			out = append(out, *r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memSettings map[string]string

func (s memSettings) Setting(_ context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}

func (s memSettings) SetSetting(_ context.Context, key, value string) error {
	s[key] = value
	return nil
}

// memSession is a SessionContext kept in memory; regenerations bump the id.
type memSession struct {
	id          int
	values      map[string]string
	regenerated int
}

func newMemSession() *memSession {
	return &memSession{id: 1, values: make(map[string]string)}
}

func (s *memSession) ID() string { return "mem-" + strconv.Itoa(s.id) }

func (s *memSession) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *memSession) Set(key, value string) { s.values[key] = value }

func (s *memSession) Unset(keys ...string) {
	for _, k := range keys {
		delete(s.values, k)
	}
}

func (s *memSession) Regenerate() error {
	s.id++
	s.regenerated++
	return nil
}

// testClock is a settable clock shared by the engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testHarness struct {
	engine   *Engine
	accounts *memAccounts
	devices  *memDevices
	requests *memRequests
	settings memSettings
	clock    *testClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Session.Timezone = "UTC"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Certificate.ReadEnvFingerprints = false
	return cfg
}

// newTestHarness builds an engine over in-memory stores with the clock at
// 2025-03-10 10:00 UTC.
func newTestHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &testHarness{
		accounts: newMemAccounts(),
		devices:  &memDevices{},
		requests: &memRequests{},
		settings: memSettings{},
		clock:    &testClock{now: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)},
	}

	engine, err := New().
		WithConfig(cfg).
		WithAccountStore(h.accounts).
		WithDeviceStore(h.devices).
		WithAccessRequestStore(h.requests).
		WithSettingsStore(h.settings).
		WithClock(h.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

// addUser stores an active password account with the given permissions.
func (h *testHarness) addUser(t *testing.T, email string, role Role, perms ...string) *Account {
	t.Helper()
	hash, err := h.engine.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := h.clock.Now().Unix()
	acct := &Account{
		Name:                   email,
		Email:                  email,
		Role:                   role,
		Status:                 StatusActive,
		CertificateFingerprint: registrationFingerprint(email),
		Permissions:            perms,
		PasswordHash:           hash,
		PasswordUpdatedAt:      now,
		CreatedAt:              now,
	}
	id, err := h.accounts.Create(context.Background(), acct)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	acct.ID = id
	return acct
}

func (h *testHarness) request() *Request {
	return &Request{
		Method:   "GET",
		URI:      "/",
		ClientIP: "10.0.0.5",
		Header:   map[string][]string{"User-Agent": {"test-agent"}},
		Cookies:  map[string]string{},
	}
}

// login runs a full password login and fails the test unless it succeeds.
func (h *testHarness) login(t *testing.T, sc SessionContext, email string) {
	t.Helper()
	res, err := h.engine.Attempt(context.Background(), sc, h.request(), email, testPassword)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if _, ok := res.(AttemptSuccess); !ok {
		t.Fatalf("expected AttemptSuccess, got %#v", res)
	}
}

func intPtr(v int) *int { return &v }
