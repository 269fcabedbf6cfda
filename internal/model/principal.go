package model

import "time"

// Caller is the authenticated identity as seen by the HTTP layer.
type Caller struct {
	UserID   int64  `json:"user_id"`
	TenantID int64  `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
}

// Principal is the effective identity used for quota and cache keying.
type Principal struct {
	ID       int64 `json:"id"`
	TenantID int64 `json:"tenant_id"`
}

// ProviderCredential is a principal-owned, encrypted provider API key.
type ProviderCredential struct {
	PrincipalID int64      `json:"principal_id"`
	Service     ProviderID `json:"service"`
	KeyName     string     `json:"key_name"`
	Ciphertext  string     `json:"-"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
