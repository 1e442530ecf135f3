package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

type projectCacheInvalidator interface {
	Invalidate(key string)
}

// TokenRefresher exchanges refresh tokens for access tokens.
type TokenRefresher struct {
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	store        CredentialStore
	projects     projectCacheInvalidator
	now          func() time.Time
}

// NewTokenRefresher creates a refresher. store and projects may be nil.
func NewTokenRefresher(clientSecret string, httpClient *http.Client, store CredentialStore, projects *ProjectResolver) *TokenRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	r := &TokenRefresher{
		clientSecret: clientSecret,
		tokenURL:     TokenURL,
		httpClient:   httpClient,
		store:        store,
		now:          time.Now,
	}
	if projects != nil {
		r.projects = projects
	}
	return r
}

// SetTokenURL points the refresher at another token endpoint.
func (r *TokenRefresher) SetTokenURL(tokenURL string) {
	if tokenURL != "" {
		r.tokenURL = tokenURL
	}
}

func (r *TokenRefresher) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: r.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: oauthScopes,
	}
}

// Refresh exchanges the refresh token of a single-account credential. The
// returned credential carries the new access token, absolute expiry and the
// rotated refresh token if the server issued one. It is never persisted here:
// callers merge it into the multi-account view first.
//
// On invalid_grant the stored credential has this account's refresh token
// blanked (project hints kept) and ErrInvalidGrant is returned. Any other
// failure leaves stored state untouched.
func (r *TokenRefresher) Refresh(ctx context.Context, cred *OAuthCredential) (*OAuthCredential, error) {
	if cred == nil {
		return nil, fmt.Errorf("credentials are nil")
	}
	parts := cred.Parts()
	if parts.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	if r.clientSecret == "" {
		return nil, ErrMissingClientSecret
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: parts.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if !errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		info := parseOAuthError(retrieveErr.Body)
		if info.code == "" {
			info.code = retrieveErr.ErrorCode
		}
		if info.code == "invalid_grant" {
			log.Warnf("refresh token revoked for project %q: %s", parts.EffectiveProjectID(), info.description)
			r.clearRevoked(ctx, parts)
			return nil, ErrInvalidGrant
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return nil, fmt.Errorf("refresh failed with status %d: %s", status, info.String())
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = r.now().Add(defaultTokenLifetime)
	}

	updated := parts
	if tok.RefreshToken != "" && tok.RefreshToken != parts.RefreshToken {
		updated.RefreshToken = tok.RefreshToken
		if r.projects != nil {
			r.projects.Invalidate(parts.RefreshToken)
		}
		log.Debug("refresh token rotated by server")
	}

	log.Debug("Token refreshed successfully")
	return &OAuthCredential{
		Type:    cred.Type,
		Refresh: FormatRefreshParts(updated),
		Access:  tok.AccessToken,
		Expires: expiry.UnixMilli(),
		Email:   cred.Email,
	}, nil
}

func (r *TokenRefresher) clearRevoked(ctx context.Context, revoked CredentialParts) {
	if r.projects != nil {
		r.projects.Invalidate(revoked.RefreshToken)
	}
	if r.store == nil {
		return
	}

	stored, err := r.store.Credential(ctx)
	if err != nil || stored == nil {
		if err != nil {
			log.Warnf("load credential to clear revoked token: %v", err)
		}
		return
	}

	all := ParseMultiAccountRefresh(stored.Refresh)
	changed := false
	for i := range all {
		if all[i].RefreshToken == revoked.RefreshToken {
			all[i].RefreshToken = ""
			changed = true
		}
	}
	if !changed {
		return
	}

	cleared := *stored
	cleared.Refresh = FormatMultiAccountRefresh(all)
	cleared.Access = ""
	cleared.Expires = 0
	if err := r.store.SetCredential(ctx, &cleared); err != nil {
		log.Warnf("clear revoked credential: %v", err)
	}
}

type oauthError struct {
	code        string
	description string
}

func (e oauthError) String() string {
	if e.description == "" {
		return e.code
	}
	if e.code == "" {
		return e.description
	}
	return e.code + ": " + e.description
}

// parseOAuthError decodes a token endpoint error body. Shapes are tried in
// order: {"error":"code"}, {"error":{...}}, then raw text.
func parseOAuthError(body []byte) oauthError {
	for _, attempt := range []func([]byte) (oauthError, bool){
		parseStringErrorEnvelope,
		parseObjectErrorEnvelope,
		parseRawTextError,
	} {
		if info, ok := attempt(body); ok {
			return info
		}
	}
	return oauthError{}
}

func parseStringErrorEnvelope(body []byte) (oauthError, bool) {
	if !gjson.ValidBytes(body) {
		return oauthError{}, false
	}
	errField := gjson.GetBytes(body, "error")
	if errField.Type != gjson.String {
		return oauthError{}, false
	}
	return oauthError{
		code:        errField.String(),
		description: gjson.GetBytes(body, "error_description").String(),
	}, true
}

func parseObjectErrorEnvelope(body []byte) (oauthError, bool) {
	if !gjson.ValidBytes(body) {
		return oauthError{}, false
	}
	errField := gjson.GetBytes(body, "error")
	if !errField.IsObject() {
		return oauthError{}, false
	}
	info := oauthError{
		code:        strings.ToLower(errField.Get("status").String()),
		description: errField.Get("message").String(),
	}
	if strings.Contains(errField.Raw, "invalid_grant") {
		info.code = "invalid_grant"
	}
	return info, true
}

func parseRawTextError(body []byte) (oauthError, bool) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return oauthError{}, false
	}
	info := oauthError{description: text}
	if strings.Contains(text, "invalid_grant") {
		info.code = "invalid_grant"
	}
	return info, true
}
