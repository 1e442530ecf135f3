package auth

import "strings"

// MultiAccountSeparator joins packed accounts in one refresh string. A single
// "|" separates fields within one account.
const MultiAccountSeparator = ";;"

// ParseRefreshParts decodes "refreshToken|projectId|managedProjectId".
// Missing segments are empty; an empty RefreshToken marks the account unusable.
func ParseRefreshParts(refresh string) CredentialParts {
	segments := strings.SplitN(refresh, "|", 3)
	parts := CredentialParts{RefreshToken: segments[0]}
	if len(segments) > 1 {
		parts.ProjectID = segments[1]
	}
	if len(segments) > 2 {
		parts.ManagedProjectID = segments[2]
	}
	return parts
}

// FormatRefreshParts is the inverse of ParseRefreshParts. The managed project
// segment is written only when set.
func FormatRefreshParts(parts CredentialParts) string {
	base := parts.RefreshToken + "|" + parts.ProjectID
	if parts.ManagedProjectID == "" {
		return base
	}
	return base + "|" + parts.ManagedProjectID
}

// ParseMultiAccountRefresh decodes every packed account. Empty input yields nil.
func ParseMultiAccountRefresh(refresh string) []CredentialParts {
	var out []CredentialParts
	for _, segment := range strings.Split(refresh, MultiAccountSeparator) {
		if segment == "" {
			continue
		}
		out = append(out, ParseRefreshParts(segment))
	}
	return out
}

// FormatMultiAccountRefresh packs accounts, skipping entries with no content.
func FormatMultiAccountRefresh(parts []CredentialParts) string {
	encoded := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == (CredentialParts{}) {
			continue
		}
		encoded = append(encoded, FormatRefreshParts(p))
	}
	return strings.Join(encoded, MultiAccountSeparator)
}
