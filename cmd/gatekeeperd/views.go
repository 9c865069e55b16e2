package main

import (
	"fmt"
	"time"

	"github.com/MrEthical07/gatekeeper"
)

type userView struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Email              string   `json:"email,omitempty"`
	Role               string   `json:"role"`
	TaxID              string   `json:"tax_id,omitempty"`
	Permissions        []string `json:"permissions"`
	SessionIP          string   `json:"session_ip,omitempty"`
	SessionLocation    string   `json:"session_location,omitempty"`
	SessionStartedAt   *string  `json:"session_started_at,omitempty"`
	AccessStart        *string  `json:"access_start,omitempty"`
	AccessEnd          *string  `json:"access_end,omitempty"`
	RequireKnownDevice bool     `json:"require_known_device"`
	TOTPEnabled        bool     `json:"totp_enabled"`
}

func newUserView(u *gatekeeper.User) *userView {
	if u == nil {
		return nil
	}
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	return &userView{
		ID:                 u.ID,
		Name:               u.Name,
		Email:              u.Email,
		Role:               string(u.Role),
		TaxID:              u.TaxID,
		Permissions:        perms,
		SessionIP:          u.SessionIP,
		SessionLocation:    u.SessionLocation,
		SessionStartedAt:   unixTime(u.SessionStartedAt),
		AccessStart:        clock(u.AccessStartMinutes),
		AccessEnd:          clock(u.AccessEndMinutes),
		RequireKnownDevice: u.RequireKnownDevice,
		TOTPEnabled:        u.TOTPEnabled,
	}
}

type deviceView struct {
	ID           int64   `json:"id"`
	Fingerprint  string  `json:"fingerprint"`
	UserAgent    string  `json:"user_agent,omitempty"`
	LastIP       string  `json:"last_ip,omitempty"`
	LastLocation string  `json:"last_location,omitempty"`
	Approved     bool    `json:"approved"`
	ApprovedBy   string  `json:"approved_by,omitempty"`
	ApprovedAt   *string `json:"approved_at,omitempty"`
	LastSeenAt   *string `json:"last_seen_at,omitempty"`
}

func newDeviceViews(devices []gatekeeper.Device) []deviceView {
	out := make([]deviceView, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		out = append(out, deviceView{
			ID:           d.ID,
			Fingerprint:  d.Fingerprint,
			UserAgent:    d.UserAgent,
			LastIP:       d.LastIP,
			LastLocation: d.LastLocation,
			Approved:     d.IsApproved(),
			ApprovedBy:   d.ApprovedBy,
			ApprovedAt:   unixTime(d.ApprovedAt),
			LastSeenAt:   unixTime(d.LastSeenAt),
		})
	}
	return out
}

type accessRequestView struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	TaxID       string  `json:"tax_id,omitempty"`
	Subject     string  `json:"subject"`
	Fingerprint string  `json:"fingerprint"`
	Serial      string  `json:"serial,omitempty"`
	ValidTo     *string `json:"valid_to,omitempty"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	DecidedBy   string  `json:"decided_by,omitempty"`
	DecidedAt   *string `json:"decided_at,omitempty"`
	CreatedAt   *string `json:"created_at,omitempty"`
}

func newAccessRequestViews(reqs []gatekeeper.CertificateAccessRequest) []accessRequestView {
	out := make([]accessRequestView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, accessRequestView{
			ID:          r.ID,
			Name:        r.Name,
			TaxID:       r.TaxID,
			Subject:     r.Subject,
			Fingerprint: r.Fingerprint,
			Serial:      r.Serial,
			ValidTo:     unixTime(r.ValidTo),
			Status:      string(r.Status),
			Reason:      r.Reason,
			DecidedBy:   r.DecidedBy,
			DecidedAt:   unixTime(r.DecidedAt),
			CreatedAt:   unixTime(r.CreatedAt),
		})
	}
	return out
}

func unixTime(ts int64) *string {
	if ts <= 0 {
		return nil
	}
	s := time.Unix(ts, 0).UTC().Format(time.RFC3339)
	return &s
}

// clock renders minutes after midnight as HH:MM.
func clock(minutes *int) *string {
	if minutes == nil {
		return nil
	}
	s := fmt.Sprintf("%02d:%02d", *minutes/60, *minutes%60)
	return &s
}

// parseClock reads HH:MM into minutes after midnight. Empty input is nil.
func parseClock(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	m := t.Hour()*60 + t.Minute()
	return &m, nil
}
