package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGrant is returned when the token endpoint reports the refresh token as revoked.
	ErrInvalidGrant = errors.New("refresh token was revoked (invalid_grant): re-authenticate this account")

	// ErrMissingClientSecret is returned when no OAuth client secret is configured.
	ErrMissingClientSecret = errors.New("OAuth client secret is not configured: set ANTIGRAVITY_CLIENT_SECRET")

	// ErrNoAccounts is returned when no account with a usable refresh token remains.
	ErrNoAccounts = errors.New("no usable Antigravity accounts: add an account and sign in again")
)

// ProjectRequiredError is raised when a paid-tier account has no project and cannot be onboarded.
type ProjectRequiredError struct {
	Tier string
}

func (e *ProjectRequiredError) Error() string {
	return fmt.Sprintf("account tier %q requires a Google Cloud project: "+
		"enable the Gemini for Google Cloud API on a project and append it to the refresh token as "+
		"\"<refreshToken>|<projectId>\"", e.Tier)
}
