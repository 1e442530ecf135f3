package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/ceciliomichael/antigravity-gateway/internal/cache"
	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/ceciliomichael/antigravity-gateway/internal/translator"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// InterceptHost is the public Gemini API host whose model calls are rerouted
// through the Antigravity backend.
const InterceptHost = "generativelanguage.googleapis.com"

const (
	actionGenerate = "generateContent"
	actionStream   = "streamGenerateContent"

	maxErrorBody = 1 << 20
)

// Options configures a Dispatcher.
type Options struct {
	// Transport sends backend requests and anything not intercepted.
	Transport http.RoundTripper
	Store     auth.CredentialStore
	Storage   *auth.AccountStorage
	Refresher *auth.TokenRefresher
	Projects  *auth.ProjectResolver
	Notifier  Notifier
	Metrics   *Metrics

	Signatures  *cache.SignatureCache
	ToolSchemas *cache.ToolSchemaCache

	Endpoints               []string
	Headers                 auth.ClientHeaders
	SessionRecovery         bool
	ClaudeMinThinkingBudget int
}

// Dispatcher is an http.RoundTripper that sends Gemini model calls to the
// Antigravity backend on behalf of the managed accounts. It picks an account
// per model family, refreshes tokens, resolves projects, rewrites payloads,
// falls back across endpoints and rotates accounts on rate limits.
type Dispatcher struct {
	base      http.RoundTripper
	store     auth.CredentialStore
	storage   *auth.AccountStorage
	refresher *auth.TokenRefresher
	projects  *auth.ProjectResolver
	notifier  Notifier
	metrics   *Metrics

	signatures  *cache.SignatureCache
	toolSchemas *cache.ToolSchemaCache

	endpoints               []string
	headers                 auth.ClientHeaders
	sessionID               string
	sessionRecovery         bool
	claudeMinThinkingBudget int

	refreshes singleflight.Group

	// persistMu orders snapshot-and-write cycles so stores see them in sequence.
	persistMu sync.Mutex

	mu             sync.Mutex
	manager        *auth.AccountManager
	loadedRefresh  string
	// writingRefresh is the value loadedRefresh replaces while a write is in flight.
	writingRefresh string
	streaks        map[string]int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. Store, Refresher and Projects are required.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if opts.Refresher == nil || opts.Projects == nil {
		return nil, fmt.Errorf("token refresher and project resolver are required")
	}
	d := &Dispatcher{
		base:                    opts.Transport,
		store:                   opts.Store,
		storage:                 opts.Storage,
		refresher:               opts.Refresher,
		projects:                opts.Projects,
		notifier:                opts.Notifier,
		metrics:                 opts.Metrics,
		signatures:              opts.Signatures,
		toolSchemas:             opts.ToolSchemas,
		endpoints:               opts.Endpoints,
		headers:                 opts.Headers,
		sessionID:               translator.NewSessionID(),
		sessionRecovery:         opts.SessionRecovery,
		claudeMinThinkingBudget: opts.ClaudeMinThinkingBudget,
		streaks:                 make(map[string]int),
		now:                     time.Now,
		sleep:                   sleepContext,
	}
	if d.base == nil {
		d.base = http.DefaultTransport
	}
	if d.notifier == nil {
		d.notifier = LogNotifier{}
	}
	if d.signatures == nil {
		d.signatures = cache.NewSignatureCache()
	}
	if d.toolSchemas == nil {
		d.toolSchemas = cache.NewToolSchemaCache()
	}
	if len(d.endpoints) == 0 {
		d.endpoints = auth.DefaultEndpoints("")
	}
	if d.headers.UserAgent == "" {
		d.headers = auth.DefaultClientHeaders()
	}
	return d, nil
}

// modelCall is an intercepted generateContent or streamGenerateContent call.
type modelCall struct {
	model  string
	action string
}

func (c modelCall) stream() bool {
	return c.action == actionStream
}

// parseModelCall recognises POST .../models/{model}:{action} on the intercepted host.
func parseModelCall(req *http.Request) (modelCall, bool) {
	if req.URL == nil || req.Method != http.MethodPost || !strings.EqualFold(req.URL.Hostname(), InterceptHost) {
		return modelCall{}, false
	}
	_, rest, ok := strings.Cut(req.URL.Path, "/models/")
	if !ok {
		return modelCall{}, false
	}
	model, action, ok := strings.Cut(rest, ":")
	if !ok || model == "" {
		return modelCall{}, false
	}
	if action != actionGenerate && action != actionStream {
		return modelCall{}, false
	}
	return modelCall{model: model, action: action}, true
}

// RoundTrip implements http.RoundTripper.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	call, ok := parseModelCall(req)
	if !ok {
		return d.base.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = data
	}

	resp, err := d.Dispatch(req.Context(), call.model, call.stream(), body)
	if resp != nil {
		resp.Request = req
	}
	return resp, err
}

// Dispatch sends one Gemini-shaped generateContent payload for model and
// returns the rewritten backend response. Rate limits never surface as
// errors: the call waits for an account instead, until ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, model string, stream bool, body []byte) (*http.Response, error) {
	call := modelCall{model: model, action: actionGenerate}
	if stream {
		call.action = actionStream
	}
	family := models.FamilyForModel(models.Alias2ModelName(model))
	reason := auth.SwitchRotation

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		manager, err := d.AccountManager(ctx)
		if err != nil {
			return nil, err
		}
		if manager.Count() == 0 {
			d.notifier.Notify(LevelError, auth.ErrNoAccounts.Error())
			return nil, auth.ErrNoAccounts
		}

		before := manager.Current()
		acc := manager.GetCurrentOrNextForFamily(family)
		if acc == nil {
			wait := manager.GetMinWaitTimeForFamily(family)
			d.notifier.Notify(LevelWarning, fmt.Sprintf("All %d account(s) are rate limited for %s, waiting %s", manager.Count(), family, wait.Round(time.Second)))
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		if acc != before {
			switchReason := reason
			if before == nil {
				switchReason = auth.SwitchInitial
			}
			manager.MarkSwitched(acc, switchReason)
			d.metrics.observeSwitch(string(switchReason))
			if manager.Count() > 1 {
				d.notifier.Notify(LevelInfo, fmt.Sprintf("Using %s for %s", accountLabel(manager.Snapshot(acc)), family))
			}
		}

		resp, next, err := d.attempt(ctx, manager, acc, call, family, body)
		if next == "" {
			return resp, err
		}
		reason = next
	}
}

// attempt runs one request on acc. A non-empty reason asks the caller to
// select an account again.
func (d *Dispatcher) attempt(ctx context.Context, manager *auth.AccountManager, acc *auth.ManagedAccount, call modelCall, family models.Family, body []byte) (*http.Response, auth.SwitchReason, error) {
	cred, err := d.ensureAccessToken(ctx, manager, acc)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidGrant):
			d.removeAccount(ctx, manager, acc, "its refresh token was revoked, sign in again to restore it")
			return nil, auth.SwitchRotation, nil
		case errors.Is(err, auth.ErrMissingClientSecret):
			d.notifier.Notify(LevelError, err.Error())
			return nil, "", err
		case ctx.Err() != nil:
			return nil, "", ctx.Err()
		case manager.Count() > 1:
			log.WithFields(log.Fields{"account": manager.Snapshot(acc).Index, "family": family}).Warnf("token refresh failed: %v", err)
			manager.MarkRateLimited(acc, ServerErrorCooldown, family)
			d.metrics.observeRateLimit(string(family), "refresh")
			d.persist(ctx, manager)
			return nil, auth.SwitchRotation, nil
		default:
			return nil, "", &StatusError{Code: http.StatusUnauthorized, Message: "token refresh failed", Err: err}
		}
	}

	project, err := d.projects.Resolve(ctx, cred)
	if err != nil {
		var required *auth.ProjectRequiredError
		if errors.As(err, &required) {
			d.notifier.Notify(LevelError, err.Error())
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &StatusError{Code: http.StatusBadGateway, Message: "resolve project", Err: err}
	}
	d.applyProject(ctx, manager, acc, cred, project)

	payload := body
	upstreamModel := models.Alias2ModelName(call.model)
	rc := translator.RequestContext{
		Model:                   call.model,
		ProjectID:               project.EffectiveProjectID,
		SessionID:               d.sessionID,
		Streaming:               call.stream(),
		Signatures:              d.signatures,
		ToolSchemas:             d.toolSchemas,
		ClaudeMinThinkingBudget: d.claudeMinThinkingBudget,
	}
	if res, err := translator.TransformRequest(rc, body); err != nil {
		log.Warnf("forwarding untransformed request: %v", err)
	} else {
		payload = res.Body
		upstreamModel = res.Debug.UpstreamModel
		log.WithFields(log.Fields{
			"account":          manager.Snapshot(acc).Index,
			"family":           res.Debug.Family,
			"model":            res.Debug.UpstreamModel,
			"request_id":       res.Debug.RequestID,
			"tools":            res.Debug.ToolCount,
			"renamed_tools":    res.Debug.RenamedTools,
			"dropped_thinking": res.Debug.DroppedThinking,
			"synthetic_ids":    res.Debug.SyntheticIDs,
		}).Debug("request transformed")
	}

	recovered := false
	for {
		resp, err := d.send(ctx, call, cred.Access, payload, family)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			return nil, "", &StatusError{Code: http.StatusBadGateway, Message: "all backend endpoints failed", Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			d.handleRateLimit(ctx, manager, acc, family, resp)
			return nil, auth.SwitchRateLimit, nil

		case resp.StatusCode >= http.StatusInternalServerError && manager.Count() > 1:
			drainAndClose(resp)
			manager.MarkRateLimited(acc, ServerErrorCooldown, family)
			d.metrics.observeRateLimit(string(family), "server-error")
			d.persist(ctx, manager)
			d.notifier.Notify(LevelWarning, fmt.Sprintf("Backend error %d on %s, trying another account", resp.StatusCode, accountLabel(manager.Snapshot(acc))))
			return nil, auth.SwitchRotation, nil

		case resp.StatusCode == http.StatusBadRequest && d.sessionRecovery && !recovered:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			if translator.IsThoughtSignatureError(data) {
				recovered = true
				payload = translator.StripThinking(payload)
				d.notifier.Notify(LevelInfo, "Thinking signatures were rejected, retrying without prior thinking")
				continue
			}
			resp.Body = io.NopCloser(bytes.NewReader(data))
		}

		if resp.StatusCode < http.StatusMultipleChoices {
			d.resetStreak(manager.Snapshot(acc), family)
		}
		return d.finish(resp, upstreamModel, family), "", nil
	}
}

// ensureAccessToken returns acc's credential with a live access token,
// refreshing and persisting it when needed.
func (d *Dispatcher) ensureAccessToken(ctx context.Context, manager *auth.AccountManager, acc *auth.ManagedAccount) (*auth.OAuthCredential, error) {
	cred := manager.CredentialFor(acc)
	if cred.Parts().RefreshToken == "" {
		return nil, auth.ErrInvalidGrant
	}
	if !cred.AccessTokenExpired(d.now()) {
		return cred, nil
	}

	// The shared refresh must outlive any single caller; each caller waits on its own ctx.
	flight := d.refreshes.DoChan(cred.Parts().RefreshToken, func() (any, error) {
		return d.refresher.Refresh(context.WithoutCancel(ctx), cred)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-flight:
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			d.metrics.observeRefresh("invalid_grant")
		} else {
			d.metrics.observeRefresh("error")
		}
		return nil, err
	}
	d.metrics.observeRefresh("ok")

	refreshed := v.(*auth.OAuthCredential)
	parts := refreshed.Parts()
	manager.UpdateAccount(acc, refreshed.Access, refreshed.Expires, &parts)
	d.persist(ctx, manager)
	return manager.CredentialFor(acc), nil
}

// applyProject stores a newly discovered managed project and tier on acc.
func (d *Dispatcher) applyProject(ctx context.Context, manager *auth.AccountManager, acc *auth.ManagedAccount, cred *auth.OAuthCredential, project *auth.ProjectContext) {
	changed := false
	if project.Credential != nil && project.Credential.Refresh != cred.Refresh {
		parts := project.Credential.Parts()
		manager.UpdateAccount(acc, cred.Access, cred.Expires, &parts)
		changed = true
	}
	if project.Tier != "" && manager.Snapshot(acc).Tier != project.Tier {
		manager.SetTier(acc, project.Tier)
		changed = true
	}
	if changed {
		d.persist(ctx, manager)
	}
}

// send posts payload to each endpoint in order, moving on after network
// errors, 403, 404 and 5xx. The last endpoint's response is always returned.
func (d *Dispatcher) send(ctx context.Context, call modelCall, token string, payload []byte, family models.Family) (*http.Response, error) {
	var lastErr error
	for idx, endpoint := range d.endpoints {
		req, err := d.buildRequest(ctx, endpoint, call, token, payload)
		if err != nil {
			return nil, err
		}
		host := resolveHost(endpoint)

		resp, err := d.base.RoundTrip(req)
		if err != nil {
			d.metrics.observeAttempt(string(family), host, 0)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debugf("Request error on %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		d.metrics.observeAttempt(string(family), host, resp.StatusCode)

		if shouldFallback(resp.StatusCode) && idx+1 < len(d.endpoints) {
			log.Debugf("Status %d on %s, trying fallback", resp.StatusCode, endpoint)
			drainAndClose(resp)
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, lastErr
}

func shouldFallback(status int) bool {
	return status == http.StatusForbidden || status == http.StatusNotFound || status >= http.StatusInternalServerError
}

func (d *Dispatcher) buildRequest(ctx context.Context, endpoint string, call modelCall, token string, payload []byte) (*http.Request, error) {
	var requestURL strings.Builder
	requestURL.WriteString(strings.TrimSuffix(endpoint, "/"))
	requestURL.WriteString("/" + auth.APIVersion + ":" + call.action)
	if call.stream() {
		requestURL.WriteString("?alt=sse")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if call.stream() {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	d.headers.Apply(req.Header)
	return req, nil
}

// handleRateLimit parks acc for family using the server's retry hint, or an
// escalating default when there is none.
func (d *Dispatcher) handleRateLimit(ctx context.Context, manager *auth.AccountManager, acc *auth.ManagedAccount, family models.Family, resp *http.Response) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	snapshot := manager.Snapshot(acc)
	delay, hinted := retryDelay(resp.Header, data, d.now())
	if !hinted {
		delay = escalatedDelay(d.bumpStreak(snapshot, family))
	}
	manager.MarkRateLimited(acc, delay, family)
	d.metrics.observeRateLimit(string(family), "429")
	d.persist(ctx, manager)

	log.WithFields(log.Fields{
		"account": snapshot.Index,
		"family":  family,
		"delay":   delay,
		"hinted":  hinted,
	}).Info("account rate limited")
	if manager.Count() > 1 {
		d.notifier.Notify(LevelWarning, fmt.Sprintf("%s is rate limited for %s for %s, switching account", accountLabel(snapshot), family, delay.Round(time.Second)))
	} else {
		d.notifier.Notify(LevelWarning, fmt.Sprintf("Rate limited for %s, retrying in %s", family, delay.Round(time.Second)))
	}
}

func streakKey(acc auth.ManagedAccount, family models.Family) string {
	return acc.Parts.RefreshToken + "\x00" + string(family)
}

func (d *Dispatcher) bumpStreak(acc auth.ManagedAccount, family models.Family) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := streakKey(acc, family)
	d.streaks[key]++
	return d.streaks[key]
}

func (d *Dispatcher) resetStreak(acc auth.ManagedAccount, family models.Family) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streaks, streakKey(acc, family))
}

// finish rewrites the backend response for the caller and records usage.
func (d *Dispatcher) finish(resp *http.Response, upstreamModel string, family models.Family) *http.Response {
	rc := translator.ResponseContext{
		Model:       upstreamModel,
		Family:      family,
		SessionID:   d.sessionID,
		Signatures:  d.signatures,
		ToolSchemas: d.toolSchemas,
	}
	resp = translator.TransformResponse(resp, rc)

	if v := resp.Header.Get(translator.HeaderInputTokens); v != "" {
		input, _ := strconv.ParseInt(v, 10, 64)
		output, _ := strconv.ParseInt(resp.Header.Get(translator.HeaderOutputTokens), 10, 64)
		reasoning, _ := strconv.ParseInt(resp.Header.Get(translator.HeaderReasoningTokens), 10, 64)
		d.metrics.observeTokens(string(family), input, output, reasoning)
	}
	return resp
}

// AccountManager returns the process-wide account manager, rebuilding it when
// the stored credential was changed by someone else.
func (d *Dispatcher) AccountManager(ctx context.Context) (*auth.AccountManager, error) {
	cred, err := d.store.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	refresh := ""
	if cred != nil {
		refresh = cred.Refresh
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manager != nil && (refresh == d.loadedRefresh || (d.writingRefresh != "" && refresh == d.writingRefresh)) {
		return d.manager, nil
	}

	var stored *auth.AccountsFile
	if d.storage != nil {
		stored = d.storage.Load()
	}
	d.manager = auth.NewAccountManager(cred, stored, d.storage)
	d.loadedRefresh = refresh
	d.metrics.setAccounts(d.manager.Count())
	log.Debugf("loaded %d account(s)", d.manager.Count())
	return d.manager, nil
}

// RemoveAccount deletes the account at index and persists the result.
func (d *Dispatcher) RemoveAccount(ctx context.Context, index int) error {
	manager, err := d.AccountManager(ctx)
	if err != nil {
		return err
	}
	if err := manager.RemoveAt(index); err != nil {
		return err
	}
	d.persist(ctx, manager)
	return nil
}

func (d *Dispatcher) removeAccount(ctx context.Context, manager *auth.AccountManager, acc *auth.ManagedAccount, why string) {
	snapshot := manager.Snapshot(acc)
	if !manager.RemoveAccount(acc) {
		return
	}
	d.persist(ctx, manager)
	d.notifier.Notify(LevelWarning, fmt.Sprintf("Removed %s: %s", accountLabel(snapshot), why))
}

// persist writes the account store and the packed host credential. The
// refresh string about to be written is recorded first so that readers
// racing the write keep using manager instead of rebuilding it.
func (d *Dispatcher) persist(ctx context.Context, manager *auth.AccountManager) {
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	if err := manager.Save(); err != nil {
		log.Warnf("save accounts: %v", err)
	}
	cred := manager.ToAuthDetails()

	d.mu.Lock()
	owned := d.manager == manager
	previous := d.loadedRefresh
	if owned {
		d.writingRefresh = previous
		d.loadedRefresh = cred.Refresh
	}
	d.mu.Unlock()

	err := d.store.SetCredential(ctx, cred)

	d.mu.Lock()
	if owned && d.manager == manager {
		d.writingRefresh = ""
		if err != nil {
			d.loadedRefresh = previous
		}
	}
	d.mu.Unlock()

	if err != nil {
		log.Warnf("save credential: %v", err)
		return
	}
	d.metrics.setAccounts(manager.Count())
}

func accountLabel(acc auth.ManagedAccount) string {
	if acc.Email != "" {
		return fmt.Sprintf("account %d (%s)", acc.Index+1, acc.Email)
	}
	return fmt.Sprintf("account %d", acc.Index+1)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
