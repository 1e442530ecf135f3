package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	defaultOnboardAttempts = 10
	defaultOnboardDelay    = 5 * time.Second
	defaultOnboardTier     = "free-tier"
)

var errOnboardPending = errors.New("onboarding not complete")

// ProjectContext is the resolved project for one account credential.
type ProjectContext struct {
	Credential         *OAuthCredential
	EffectiveProjectID string
	Tier               Tier
}

type projectInfo struct {
	managedProjectID string
	tier             Tier
}

// ProjectResolver finds or provisions the backend project for a credential.
// Concurrent resolutions for the same refresh token share one upstream call.
type ProjectResolver struct {
	httpClient *http.Client
	endpoints  []string
	headers    ClientHeaders

	group   singleflight.Group
	mu      sync.Mutex
	settled map[string]projectInfo

	onboardAttempts uint
	onboardDelay    time.Duration
}

// NewProjectResolver creates a resolver that calls endpoints in order.
func NewProjectResolver(httpClient *http.Client, endpoints []string, headers ClientHeaders) *ProjectResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints("")
	}
	return &ProjectResolver{
		httpClient:      httpClient,
		endpoints:       endpoints,
		headers:         headers,
		settled:         make(map[string]projectInfo),
		onboardAttempts: defaultOnboardAttempts,
		onboardDelay:    defaultOnboardDelay,
	}
}

// Resolve returns the effective project for cred. Credentials that already
// carry a project id return immediately. Otherwise the backend is asked for an
// existing managed project, and free-tier accounts without one are onboarded.
// The returned credential has the managed project packed into its refresh
// string; persisting it is the caller's job.
func (r *ProjectResolver) Resolve(ctx context.Context, cred *OAuthCredential) (*ProjectContext, error) {
	if cred == nil {
		return nil, fmt.Errorf("credentials are nil")
	}
	parts := cred.Parts()
	if pid := parts.EffectiveProjectID(); pid != "" {
		return &ProjectContext{Credential: cred, EffectiveProjectID: pid}, nil
	}
	key := parts.RefreshToken
	if key == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	r.mu.Lock()
	info, ok := r.settled[key]
	r.mu.Unlock()
	if ok {
		return withManagedProject(cred, parts, info), nil
	}

	access := cred.Access
	ch := r.group.DoChan(key, func() (any, error) {
		info, err := r.resolveRemote(context.WithoutCancel(ctx), access)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.settled[key] = info
		r.mu.Unlock()
		return info, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return withManagedProject(cred, parts, res.Val.(projectInfo)), nil
	}
}

func withManagedProject(cred *OAuthCredential, parts CredentialParts, info projectInfo) *ProjectContext {
	parts.ManagedProjectID = info.managedProjectID
	updated := *cred
	updated.Refresh = FormatRefreshParts(parts)
	return &ProjectContext{
		Credential:         &updated,
		EffectiveProjectID: info.managedProjectID,
		Tier:               info.tier,
	}
}

// Invalidate drops the cached result for one refresh token.
func (r *ProjectResolver) Invalidate(key string) {
	r.mu.Lock()
	delete(r.settled, key)
	r.mu.Unlock()
	r.group.Forget(key)
}

// InvalidateAll drops every cached result.
func (r *ProjectResolver) InvalidateAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.settled))
	for k := range r.settled {
		keys = append(keys, k)
	}
	r.settled = make(map[string]projectInfo)
	r.mu.Unlock()
	for _, k := range keys {
		r.group.Forget(k)
	}
}

func (r *ProjectResolver) resolveRemote(ctx context.Context, accessToken string) (projectInfo, error) {
	payload := []byte(`{"metadata":` + DefaultClientMetadata + `}`)
	body, err := r.call(ctx, accessToken, "loadCodeAssist", payload)
	if err != nil {
		return projectInfo{}, fmt.Errorf("load code assist: %w", err)
	}

	tierID := tierIDFromLoadResponse(body)
	tier := tierFromID(tierID)
	if project := companionProject(gjson.GetBytes(body, "cloudaicompanionProject")); project != "" {
		log.Debugf("using existing managed project %s (tier %s)", project, tier)
		return projectInfo{managedProjectID: project, tier: tier}, nil
	}

	if tier == TierPaid {
		return projectInfo{}, &ProjectRequiredError{Tier: tierID}
	}

	onboardTier := tierID
	if onboardTier == "" {
		onboardTier = defaultOnboardTier
	}
	project, err := r.onboard(ctx, accessToken, onboardTier)
	if err != nil {
		return projectInfo{}, err
	}
	log.Infof("onboarded managed project %s", project)
	return projectInfo{managedProjectID: project, tier: TierFree}, nil
}

func (r *ProjectResolver) onboard(ctx context.Context, accessToken, tierID string) (string, error) {
	payload := []byte(fmt.Sprintf(`{"tierId":%q,"metadata":%s}`, tierID, DefaultClientMetadata))

	var project string
	err := retry.Do(
		func() error {
			body, err := r.call(ctx, accessToken, "onboardUser", payload)
			if err != nil {
				return err
			}
			if !gjson.GetBytes(body, "done").Bool() {
				return errOnboardPending
			}
			project = companionProject(gjson.GetBytes(body, "response.cloudaicompanionProject"))
			if project == "" {
				return retry.Unrecoverable(fmt.Errorf("onboarding finished without a project id"))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.onboardAttempts),
		retry.Delay(r.onboardDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("onboard attempt %d: %v", n+1, err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("onboard user: %w", err)
	}
	return project, nil
}

func (r *ProjectResolver) call(ctx context.Context, accessToken, method string, payload []byte) ([]byte, error) {
	var lastErr error
	for _, base := range r.endpoints {
		url := fmt.Sprintf("%s/%s:%s", strings.TrimSuffix(base, "/"), APIVersion, method)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		r.headers.Apply(req.Header)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("execute request: %w", err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
			log.Debugf("%s on %s failed: %v", method, base, lastErr)
			continue
		}
		return body, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, lastErr
}

// companionProject accepts either a bare project id or {"id": "..."}.
func companionProject(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return strings.TrimSpace(v.String())
	case v.IsObject():
		return strings.TrimSpace(v.Get("id").String())
	}
	return ""
}

func tierIDFromLoadResponse(body []byte) string {
	if id := gjson.GetBytes(body, "paidTier.id").String(); id != "" {
		return id
	}
	if id := gjson.GetBytes(body, "currentTier.id").String(); id != "" {
		return id
	}
	for _, t := range gjson.GetBytes(body, "allowedTiers").Array() {
		if t.Get("isDefault").Bool() {
			return t.Get("id").String()
		}
	}
	return ""
}

func tierFromID(id string) Tier {
	lower := strings.ToLower(id)
	if lower == "" || strings.Contains(lower, "free") || strings.Contains(lower, "legacy") {
		return TierFree
	}
	return TierPaid
}
