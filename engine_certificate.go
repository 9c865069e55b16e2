package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/gatekeeper/certificate"
	"github.com/MrEthical07/gatekeeper/permission"
	"go.uber.org/zap"
)

const (
	msgCertificateMissing  = "A digital certificate is required."
	msgCertificateNotYet   = "Certificate is not valid yet."
	msgCertificateExpired  = "Certificate has expired."
	msgCertificatePending  = "Access pending administrator approval."
	defaultCertifiedUser   = "Certified user"
	defaultAccessDecidedBy = "admin"
)

// AuthenticateCertificate decides what a presented client certificate is
// worth: missing, invalid, denied, approved (with the bound User) or pending
// (with the queued request). It does not establish a session; callers turn
// an approved result into one. Only storage failures are returned as errors.
func (e *Engine) AuthenticateCertificate(ctx context.Context, req *Request) (CertificateResult, error) {
	if e == nil || e.accounts == nil {
		return CertificateResult{}, ErrEngineNotReady
	}

	var pemText, ip string
	if req != nil {
		pemText = strings.TrimSpace(req.ClientCertPEM)
		ip = req.ClientIP
	}
	if pemText == "" {
		e.metricInc(MetricCertificateMissing)
		return CertificateResult{Status: CertificateMissing, Message: msgCertificateMissing}, nil
	}

	details, err := certificate.Parse(pemText)
	if err != nil {
		e.metricInc(MetricCertificateInvalid)
		e.emitAudit(ctx, auditEventCertificateInvalid, false, 0, ip, err, nil)
		return CertificateResult{Status: CertificateInvalid, Message: err.Error()}, nil
	}

	now := e.unixNow()
	if details.ValidFrom > 0 && now < details.ValidFrom {
		e.metricInc(MetricCertificateInvalid)
		return CertificateResult{Status: CertificateInvalid, Message: msgCertificateNotYet, Fingerprint: details.Fingerprint}, nil
	}
	if details.ValidTo > 0 && now > details.ValidTo {
		e.metricInc(MetricCertificateInvalid)
		return CertificateResult{Status: CertificateInvalid, Message: msgCertificateExpired, Fingerprint: details.Fingerprint}, nil
	}

	existing, err := e.accounts.FindByFingerprint(ctx, details.Fingerprint)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return CertificateResult{}, fmt.Errorf("find account by fingerprint: %w", err)
	}
	if err == nil && existing != nil {
		return e.certificateForAccount(ctx, existing, details, ip)
	}

	bootstrap := e.isBootstrapFingerprint(details.Fingerprint)
	if !bootstrap && e.config.Certificate.BootstrapWhenNoAdmins {
		bootstrap, err = e.adminGate.noActiveAdmins(ctx, e.accounts.CountActiveAdmins)
		if err != nil {
			return CertificateResult{}, fmt.Errorf("count active admins: %w", err)
		}
	}
	if bootstrap {
		user, err := e.provisionAdmin(ctx, details)
		if err != nil {
			return CertificateResult{}, err
		}
		e.metricInc(MetricAdminBootstrap)
		e.metricInc(MetricCertificateApproved)
		e.emitAudit(ctx, auditEventAdminBootstrap, true, user.ID, ip, nil, func() map[string]string {
			return map[string]string{"fingerprint": details.Fingerprint}
		})
		e.logger.Warn("administrator provisioned from certificate",
			zap.Int64("account_id", user.ID), zap.String("fingerprint", details.Fingerprint))
		return CertificateResult{Status: CertificateApproved, Fingerprint: details.Fingerprint, User: user}, nil
	}

	name := details.CommonName
	if name == "" {
		name = details.Subject
	}
	queued, err := e.requests.UpsertPending(ctx, CertificateAccessRequest{
		TaxID:       details.TaxID,
		Name:        name,
		Subject:     details.Subject,
		Fingerprint: details.Fingerprint,
		Serial:      details.SerialNumber,
		ValidFrom:   details.ValidFrom,
		ValidTo:     details.ValidTo,
		PEM:         details.PEM,
	})
	if err != nil {
		return CertificateResult{}, fmt.Errorf("queue access request: %w", err)
	}

	e.metricInc(MetricCertificatePending)
	e.emitAudit(ctx, auditEventCertificatePending, false, 0, ip, nil, func() map[string]string {
		return map[string]string{"fingerprint": details.Fingerprint}
	})
	return CertificateResult{
		Status:      CertificatePending,
		Message:     msgCertificatePending,
		Fingerprint: details.Fingerprint,
		Request:     queued,
	}, nil
}

// LoginWithCertificate runs AuthenticateCertificate and, for an approved
// certificate, establishes the caller session the way a password login
// does. Access windows and device trust still apply; a second factor is not
// requested. Non-approved results come back with a nil AttemptResult.
func (e *Engine) LoginWithCertificate(ctx context.Context, sc SessionContext, req *Request) (CertificateResult, AttemptResult, error) {
	if sc == nil {
		return CertificateResult{}, nil, errNilSessionContext
	}
	res, err := e.AuthenticateCertificate(ctx, req)
	if err != nil || res.Status != CertificateApproved || res.User == nil {
		return res, nil, err
	}

	acct, err := e.accounts.FindByID(ctx, res.User.ID)
	if err != nil {
		return res, nil, fmt.Errorf("load certificate account: %w", err)
	}

	lc := e.buildLoginContext(ctx, req)
	denial, err := e.enforceAccessPolicies(ctx, acct, lc, req)
	if err != nil {
		return res, nil, err
	}
	if denial != nil {
		ip := ""
		if lc != nil {
			ip = lc.IP
		}
		e.metricInc(MetricPolicyDenied)
		e.emitAudit(ctx, auditEventLoginPolicyDenied, false, acct.ID, ip, denial.reason, nil)
		return res, AttemptFailure{Message: denial.message, Reason: denial.reason}, nil
	}

	expired, err := e.finalizeLogin(ctx, sc, req, acct, lc)
	if err != nil {
		return res, nil, err
	}
	return res, AttemptSuccess{AccountID: acct.ID, PasswordExpired: expired}, nil
}

func (e *Engine) certificateForAccount(ctx context.Context, acct *Account, details *certificate.Details, ip string) (CertificateResult, error) {
	if acct.Status != StatusActive {
		e.metricInc(MetricCertificateDenied)
		e.emitAudit(ctx, auditEventCertificateDenied, false, acct.ID, ip, ErrAccountInactive, nil)
		return CertificateResult{Status: CertificateDenied, Message: msgAccountDisabled, Fingerprint: details.Fingerprint}, nil
	}

	if refreshCertificateData(acct, details) {
		acct.UpdatedAt = e.unixNow()
		if err := e.accounts.Update(ctx, acct); err != nil {
			return CertificateResult{}, fmt.Errorf("refresh certificate data: %w", err)
		}
	}
	if err := e.accounts.TouchLastSeen(ctx, acct.ID, e.unixNow()); err != nil {
		return CertificateResult{}, fmt.Errorf("touch last seen: %w", err)
	}

	fresh, err := e.accounts.FindByID(ctx, acct.ID)
	if err != nil {
		return CertificateResult{}, fmt.Errorf("reload account: %w", err)
	}

	e.metricInc(MetricCertificateApproved)
	e.emitAudit(ctx, auditEventCertificateApproved, true, acct.ID, ip, nil, nil)
	return CertificateResult{Status: CertificateApproved, Fingerprint: details.Fingerprint, User: e.toUser(fresh)}, nil
}

// refreshCertificateData copies changed certificate attributes onto acct and
// reports whether anything changed.
func refreshCertificateData(acct *Account, details *certificate.Details) bool {
	changed := false
	if acct.CertificateSubject != details.Subject {
		acct.CertificateSubject = details.Subject
		changed = true
	}
	if acct.CertificateSerial != details.SerialNumber {
		acct.CertificateSerial = details.SerialNumber
		changed = true
	}
	if acct.CertificateValidTo != details.ValidTo {
		acct.CertificateValidTo = details.ValidTo
		changed = true
	}
	if details.CommonName != "" && acct.Name != details.CommonName {
		acct.Name = details.CommonName
		changed = true
	}
	return changed
}

func (e *Engine) isBootstrapFingerprint(fp string) bool {
	_, ok := e.bootstrapFingerprints[normalizeFingerprint(fp)]
	return ok
}

// provisionAdmin creates or promotes the account bound to details as an
// active administrator and approves its queued request, if any.
func (e *Engine) provisionAdmin(ctx context.Context, details *certificate.Details) (*User, error) {
	now := e.unixNow()
	approver := e.config.Device.AutoApprover

	name := details.CommonName
	if name == "" {
		name = e.config.Certificate.DefaultName
	}

	acct, err := e.accounts.FindByFingerprint(ctx, details.Fingerprint)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("find account by fingerprint: %w", err)
	}

	if err != nil || acct == nil {
		acct = &Account{
			Name:                   name,
			Role:                   RoleAdmin,
			Status:                 StatusActive,
			CertificateFingerprint: details.Fingerprint,
			CertificateSubject:     details.Subject,
			CertificateSerial:      details.SerialNumber,
			CertificateValidTo:     details.ValidTo,
			TaxID:                  details.TaxID,
			Permissions:            e.catalog.Keys(),
			ApprovedAt:             now,
			ApprovedBy:             approver,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		id, err := e.accounts.Create(ctx, acct)
		if err != nil {
			return nil, fmt.Errorf("create admin: %w", err)
		}
		acct.ID = id
	} else {
		acct.Name = name
		acct.Role = RoleAdmin
		acct.Status = StatusActive
		acct.CertificateSubject = details.Subject
		acct.CertificateSerial = details.SerialNumber
		acct.CertificateValidTo = details.ValidTo
		if details.TaxID != "" {
			acct.TaxID = details.TaxID
		}
		acct.ApprovedAt = now
		acct.ApprovedBy = approver
		acct.UpdatedAt = now
		if err := e.accounts.Update(ctx, acct); err != nil {
			return nil, fmt.Errorf("promote admin: %w", err)
		}
	}
	e.adminGate.adminProvisioned()

	queued, err := e.requests.FindByFingerprint(ctx, details.Fingerprint)
	switch {
	case err == nil && queued != nil && queued.Status == AccessRequestPending:
		if err := e.requests.MarkApproved(ctx, queued.ID, approver, "", now); err != nil {
			return nil, fmt.Errorf("approve queued request: %w", err)
		}
	case err != nil && !errors.Is(err, ErrAccessRequestNotFound):
		return nil, fmt.Errorf("find queued request: %w", err)
	}

	if err := e.accounts.TouchLastSeen(ctx, acct.ID, now); err != nil {
		return nil, fmt.Errorf("touch last seen: %w", err)
	}
	fresh, err := e.accounts.FindByID(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("reload admin: %w", err)
	}
	return e.toUser(fresh), nil
}

// ListPendingAccessRequests returns the certificate enrollments awaiting a decision.
func (e *Engine) ListPendingAccessRequests(ctx context.Context) ([]CertificateAccessRequest, error) {
	return e.requests.ListPending(ctx)
}

// ListRecentAccessDecisions returns the latest approved or denied enrollments.
func (e *Engine) ListRecentAccessDecisions(ctx context.Context, limit int) ([]CertificateAccessRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.requests.ListRecentDecisions(ctx, limit)
}

// ApproveAccessRequest binds a pending certificate to an active user account.
// The account is matched by tax-id, then by fingerprint, and created when
// neither matches. Empty permissions fall back to the default profile; the
// admin-only key is never granted this way.
func (e *Engine) ApproveAccessRequest(ctx context.Context, id int64, decidedBy, reason string, permissions []string) (*User, error) {
	rec, err := e.pendingAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if decidedBy == "" {
		decidedBy = defaultAccessDecidedBy
	}
	now := e.unixNow()

	perms := e.grantablePermissions(permissions)
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = defaultCertifiedUser
	}

	acct, err := e.accountForRequest(ctx, rec)
	if err != nil {
		return nil, err
	}

	if acct == nil {
		acct = &Account{Role: RoleUser, CreatedAt: now}
	}
	acct.Name = name
	acct.Status = StatusActive
	acct.CertificateFingerprint = rec.Fingerprint
	acct.CertificateSubject = rec.Subject
	acct.CertificateSerial = rec.Serial
	acct.CertificateValidTo = rec.ValidTo
	if rec.TaxID != "" {
		acct.TaxID = rec.TaxID
	}
	acct.ApprovedAt = now
	acct.ApprovedBy = decidedBy
	acct.UpdatedAt = now
	if !acct.IsAdmin() {
		acct.Permissions = perms
	}

	if acct.ID == 0 {
		newID, err := e.accounts.Create(ctx, acct)
		if err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
		acct.ID = newID
	} else if err := e.accounts.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}

	if err := e.accounts.TouchLastSeen(ctx, acct.ID, now); err != nil {
		return nil, fmt.Errorf("touch last seen: %w", err)
	}
	if err := e.requests.MarkApproved(ctx, rec.ID, decidedBy, reason, now); err != nil {
		return nil, fmt.Errorf("mark request approved: %w", err)
	}

	e.emitAudit(ctx, auditEventAccessRequestApproved, true, acct.ID, "", nil, func() map[string]string {
		return map[string]string{"fingerprint": rec.Fingerprint, "decided_by": decidedBy}
	})

	fresh, err := e.accounts.FindByID(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("reload account: %w", err)
	}
	return e.toUser(fresh), nil
}

// DenyAccessRequest closes a pending certificate enrollment without granting access.
func (e *Engine) DenyAccessRequest(ctx context.Context, id int64, decidedBy, reason string) error {
	rec, err := e.pendingAccessRequest(ctx, id)
	if err != nil {
		return err
	}
	if decidedBy == "" {
		decidedBy = defaultAccessDecidedBy
	}
	if err := e.requests.MarkDenied(ctx, rec.ID, decidedBy, reason, e.unixNow()); err != nil {
		return fmt.Errorf("mark request denied: %w", err)
	}
	e.emitAudit(ctx, auditEventAccessRequestDenied, true, 0, "", nil, func() map[string]string {
		return map[string]string{"fingerprint": rec.Fingerprint, "decided_by": decidedBy}
	})
	return nil
}

func (e *Engine) pendingAccessRequest(ctx context.Context, id int64) (*CertificateAccessRequest, error) {
	rec, err := e.requests.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != AccessRequestPending {
		return nil, ErrAccessRequestDecided
	}
	return rec, nil
}

func (e *Engine) accountForRequest(ctx context.Context, rec *CertificateAccessRequest) (*Account, error) {
	if rec.TaxID != "" {
		acct, err := e.accounts.FindByTaxID(ctx, rec.TaxID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("find account by tax id: %w", err)
		}
	}
	acct, err := e.accounts.FindByFingerprint(ctx, rec.Fingerprint)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("find account by fingerprint: %w", err)
	}
	return nil, nil
}

// grantablePermissions sanitizes keys for a non-admin account, falling back
// to the default profile when nothing usable remains.
func (e *Engine) grantablePermissions(keys []string) []string {
	perms := withoutAdminKey(e.catalog.Sanitize(keys))
	if len(perms) == 0 {
		perms = withoutAdminKey(e.catalog.DefaultProfilePermissions())
	}
	return perms
}

func withoutAdminKey(keys []string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if k != permission.AdminKey {
			out = append(out, k)
		}
	}
	return out
}
