package model

import (
	"strconv"
	"time"
)

// IdentityKind distinguishes the two independently metered identities.
type IdentityKind string

const (
	IdentityPrincipal IdentityKind = "principal"
	IdentityIP        IdentityKind = "ip"
)

// Quota defaults.
const (
	DefaultPrincipalDailyLimit = 500
	DefaultIPDailyLimit        = 1000
	ViolationBlockDuration     = 24 * time.Hour
)

// QuotaKey addresses one counter row.
type QuotaKey struct {
	Kind     IdentityKind `json:"kind"`
	Identity string       `json:"identity"`
	Service  string       `json:"service"`
}

// PrincipalKey builds the counter key for a principal.
func PrincipalKey(principalID int64, service string) QuotaKey {
	return QuotaKey{Kind: IdentityPrincipal, Identity: strconv.FormatInt(principalID, 10), Service: service}
}

// IPKey builds the counter key for a source IP.
func IPKey(ip, service string) QuotaKey {
	return QuotaKey{Kind: IdentityIP, Identity: ip, Service: service}
}

// QuotaCounter is the persisted daily usage row for one identity/service.
type QuotaCounter struct {
	Key          QuotaKey   `json:"key"`
	RequestCount int        `json:"request_count"`
	DailyLimit   int        `json:"daily_limit"`
	WindowStart  time.Time  `json:"window_start"`
	Violations   int        `json:"violations"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Blocked reports whether a violation block is still active at now.
func (c *QuotaCounter) Blocked(now time.Time) bool {
	return c.BlockedUntil != nil && now.Before(*c.BlockedUntil)
}

// QuotaStatus is the read-only projection served to UI and API consumers.
type QuotaStatus struct {
	Service      string     `json:"service"`
	CurrentUsage int        `json:"current_usage"`
	DailyLimit   int        `json:"daily_limit"`
	Remaining    int        `json:"remaining"`
	ResetTime    time.Time  `json:"reset_time"`
	IsBlocked    bool       `json:"is_blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Violations   int        `json:"violations"`
}
