package auth

import "net/http"

// OAuth and upstream constants for the Antigravity backend.
const (
	ClientID = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	TokenURL = "https://oauth2.googleapis.com/token"

	DefaultUserAgent      = "antigravity/1.11.5 windows/amd64"
	DefaultAPIClient      = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	DefaultClientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd     = "https://cloudcode-pa.googleapis.com"

	APIVersion = "v1internal"
)

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// DefaultEndpoints returns the backend base URLs in fallback order.
// A non-empty primary replaces the first entry.
func DefaultEndpoints(primary string) []string {
	endpoints := []string{EndpointDaily, EndpointAutopush, EndpointProd}
	if primary != "" {
		endpoints[0] = primary
	}
	return endpoints
}

// ClientHeaders are the client identification headers sent on every backend call.
type ClientHeaders struct {
	UserAgent      string
	APIClient      string
	ClientMetadata string
}

// DefaultClientHeaders returns the stock header set.
func DefaultClientHeaders() ClientHeaders {
	return ClientHeaders{
		UserAgent:      DefaultUserAgent,
		APIClient:      DefaultAPIClient,
		ClientMetadata: DefaultClientMetadata,
	}
}

// Apply writes the headers onto h, skipping empty values.
func (c ClientHeaders) Apply(h http.Header) {
	if c.UserAgent != "" {
		h.Set("User-Agent", c.UserAgent)
	}
	if c.APIClient != "" {
		h.Set("X-Goog-Api-Client", c.APIClient)
	}
	if c.ClientMetadata != "" {
		h.Set("Client-Metadata", c.ClientMetadata)
	}
}
