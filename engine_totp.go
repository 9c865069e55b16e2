package gatekeeper

import (
	"context"
	"fmt"
)

// TOTPSetup is a provisional second-factor secret awaiting confirmation.
type TOTPSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// BeginTOTPSetup generates a provisional secret for the account and keeps it
// in the caller session until CompleteTOTPSetup confirms a code. Calling it
// again returns the same setup.
func (e *Engine) BeginTOTPSetup(ctx context.Context, sc SessionContext, accountID int64) (*TOTPSetup, error) {
	if e == nil || e.totp == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}
	if sc == nil {
		return nil, errNilSessionContext
	}

	var setup TOTPSetup
	if sessionJSON(sc, sessionKeyTOTPSetup, &setup) && setup.Secret != "" {
		return &setup, nil
	}

	acct, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	secret, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	label := acct.Email
	if label == "" {
		label = acct.Name
	}
	uri, err := e.totp.ProvisioningURI(secret, label, e.config.TOTP.Issuer)
	if err != nil {
		return nil, fmt.Errorf("build provisioning uri: %w", err)
	}

	setup = TOTPSetup{Secret: secret, URI: uri}
	if err := setSessionJSON(sc, sessionKeyTOTPSetup, setup); err != nil {
		return nil, fmt.Errorf("store totp setup: %w", err)
	}
	return &setup, nil
}

// CompleteTOTPSetup enables the second factor once code matches the
// provisional secret. A wrong code keeps the setup for another try.
func (e *Engine) CompleteTOTPSetup(ctx context.Context, sc SessionContext, accountID int64, code string) error {
	if e == nil || e.totp == nil || e.accounts == nil {
		return ErrEngineNotReady
	}
	if sc == nil {
		return errNilSessionContext
	}

	var setup TOTPSetup
	if !sessionJSON(sc, sessionKeyTOTPSetup, &setup) || setup.Secret == "" {
		return ErrTOTPSetupMissing
	}
	if !e.totp.Verify(setup.Secret, code) {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, accountID, "", ErrTOTPInvalid, nil)
		return feedback(ErrTOTPInvalid, msgTOTPInvalid)
	}

	if err := e.accounts.SetTOTP(ctx, accountID, setup.Secret, true, e.unixNow()); err != nil {
		return fmt.Errorf("enable totp: %w", err)
	}
	sc.Unset(sessionKeyTOTPSetup)
	scopeFromContext(ctx).forget()

	e.emitAudit(ctx, auditEventTOTPEnabled, true, accountID, "", nil, nil)
	return nil
}

// DisableTOTP removes the second factor from the account.
func (e *Engine) DisableTOTP(ctx context.Context, accountID int64) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}
	if _, err := e.accounts.FindByID(ctx, accountID); err != nil {
		return err
	}
	if err := e.accounts.SetTOTP(ctx, accountID, "", false, 0); err != nil {
		return fmt.Errorf("disable totp: %w", err)
	}
	scopeFromContext(ctx).forget()
	e.emitAudit(ctx, auditEventTOTPDisabled, true, accountID, "", nil, nil)
	return nil
}
