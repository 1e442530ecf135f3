// Package auth manages Antigravity OAuth credentials across multiple accounts:
// the packed credential codec, the versioned account store, account selection,
// token refresh and project resolution.
package auth

import (
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
)

// accessTokenSkew refreshes tokens this long before they actually expire.
const accessTokenSkew = 60 * time.Second

// OAuthCredential is the host-held credential. Refresh carries one or more packed
// accounts; Access and Expires belong to the current account only.
type OAuthCredential struct {
	Type    string `json:"type"`
	Refresh string `json:"refresh"`
	Access  string `json:"access,omitempty"`
	// Expires is the access token expiry in Unix milliseconds.
	Expires int64  `json:"expires,omitempty"`
	Email   string `json:"email,omitempty"`
}

// AccessTokenExpired reports whether the access token is missing or about to expire.
func (c *OAuthCredential) AccessTokenExpired(now time.Time) bool {
	if c == nil || c.Access == "" || c.Expires <= 0 {
		return true
	}
	return now.Add(accessTokenSkew).UnixMilli() >= c.Expires
}

// Parts decodes the first packed account.
func (c *OAuthCredential) Parts() CredentialParts {
	if c == nil {
		return CredentialParts{}
	}
	return ParseRefreshParts(c.Refresh)
}

// CredentialParts is one decoded account entry of a packed refresh string.
type CredentialParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// EffectiveProjectID returns the explicit project, falling back to the managed one.
func (p CredentialParts) EffectiveProjectID() string {
	if p.ProjectID != "" {
		return p.ProjectID
	}
	return p.ManagedProjectID
}

// Tier is an account capability class.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// SwitchReason records why an account became current.
type SwitchReason string

const (
	SwitchRateLimit SwitchReason = "rate-limit"
	SwitchInitial   SwitchReason = "initial"
	SwitchRotation  SwitchReason = "rotation"
)

// ManagedAccount is the in-memory view of one account. Fields are guarded by
// the owning AccountManager and must not be mutated directly.
type ManagedAccount struct {
	Index                  int
	Parts                  CredentialParts
	AccessToken            string
	AccessTokenExpiresAtMs int64
	RateLimitResetAt       map[models.Family]int64
	AddedAtMs              int64
	LastUsedAtMs           int64
	Email                  string
	Tier                   Tier
	LastSwitchReason       SwitchReason
}

func (a *ManagedAccount) clone() ManagedAccount {
	c := *a
	if a.RateLimitResetAt != nil {
		c.RateLimitResetAt = make(map[models.Family]int64, len(a.RateLimitResetAt))
		for k, v := range a.RateLimitResetAt {
			c.RateLimitResetAt[k] = v
		}
	}
	return c
}
