package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const okBody = `{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]}}]}}`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	d       *Dispatcher
	store   *auth.MemoryCredentialStore
	storage *auth.AccountStorage
	metrics *Metrics

	mu     sync.Mutex
	toasts []string
}

func (h *harness) notify(level, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toasts = append(h.toasts, level+": "+message)
}

func (h *harness) toastText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.toasts, "\n")
}

// newTokenServer issues "access-<refresh token>" and rejects refresh tokens
// starting with "revoked" as invalid_grant.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rt := r.PostForm.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(rt, "broken") {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal_failure"}`))
			return
		}
		if strings.HasPrefix(rt, "revoked") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"access-` + rt + `","expires_in":3600,"token_type":"Bearer"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHarness(t *testing.T, cred *auth.OAuthCredential, opts Options, endpoints ...string) *harness {
	t.Helper()
	tokens := newTokenServer(t)

	h := &harness{
		store:   auth.NewMemoryCredentialStore(cred),
		storage: auth.NewAccountStorage(filepath.Join(t.TempDir(), "antigravity-accounts.json")),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	projects := auth.NewProjectResolver(http.DefaultClient, endpoints, auth.DefaultClientHeaders())
	refresher := auth.NewTokenRefresher("secret", http.DefaultClient, h.store, projects)
	refresher.SetTokenURL(tokens.URL + "/token")

	opts.Store = h.store
	opts.Storage = h.storage
	opts.Refresher = refresher
	opts.Projects = projects
	opts.Notifier = NotifierFunc(h.notify)
	opts.Metrics = h.metrics
	opts.Endpoints = endpoints

	d, err := NewDispatcher(opts)
	require.NoError(t, err)
	h.d = d
	return h
}

func liveCredential(refresh, access string) *auth.OAuthCredential {
	return &auth.OAuthCredential{
		Type:    "oauth",
		Refresh: refresh,
		Access:  access,
		Expires: time.Now().Add(time.Hour).UnixMilli(),
	}
}

func newModelRequest(t *testing.T, ctx context.Context, model, action, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://generativelanguage.googleapis.com/v1beta/models/"+model+":"+action, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(data)
}

const simplePrompt = `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`

func TestDispatch_WrapsRequestAndUnwrapsResponse(t *testing.T) {
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:generateContent", r.URL.Path)
		require.Equal(t, "Bearer access-rt-a", r.Header.Get("Authorization"))
		require.Equal(t, auth.DefaultUserAgent, r.Header.Get("User-Agent"))
		require.Equal(t, auth.DefaultClientMetadata, r.Header.Get("Client-Metadata"))
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-flash", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", gjson.Get(readBody(t, resp), "candidates.0.content.parts.0.text").String())

	wrapped := gjson.ParseBytes(gotBody)
	require.Equal(t, "proj-a", wrapped.Get("project").String())
	require.Equal(t, "gemini-2.5-flash", wrapped.Get("model").String())
	require.Equal(t, "hi", wrapped.Get("request.contents.0.parts.0.text").String())
	require.Equal(t, h.d.sessionID, wrapped.Get("request.sessionId").String())
}

func TestDispatch_PassesThroughOtherHosts(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("untouched"))
	}))
	defer other.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, "http://127.0.0.1:1")
	client := &http.Client{Transport: h.d}
	resp, err := client.Post(other.URL+"/v1beta/models/gemini-2.5-pro:generateContent", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	require.Equal(t, "untouched", readBody(t, resp))
}

func TestDispatch_EndpointFallback(t *testing.T) {
	var primaryHits int
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer primary.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	last := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer last.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, primary.URL, closed.URL, last.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, primaryHits)
	resp.Body.Close()
}

func TestDispatch_RateLimitRotatesAccount(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") == "Bearer access-rt-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[
				{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`))
			return
		}
		require.Equal(t, "Bearer access-rt-b", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a;;rt-b|proj-b", "access-rt-a"), Options{}, backend.URL)
	start := time.Now()
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-flash", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	doc := h.storage.Load()
	require.NotNil(t, doc)
	require.Equal(t, 1, doc.ActiveIndex)
	reset := doc.Accounts[0].RateLimitResetTimes[models.FamilyGeminiFlash]
	require.GreaterOrEqual(t, reset, start.Add(29*time.Second).UnixMilli())
	require.NotContains(t, doc.Accounts[0].RateLimitResetTimes, models.FamilyClaude)
	require.Equal(t, auth.SwitchRateLimit, doc.Accounts[1].LastSwitchReason)

	cred, err := h.store.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rt-a|proj-a;;rt-b|proj-b", cred.Refresh)
	require.Equal(t, "access-rt-b", cred.Access)

	require.Contains(t, h.toastText(), "rate limited")
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rateLimits.WithLabelValues("gemini-flash", "429")))
}

func TestDispatch_SingleAccountWaitsForReset(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.Header().Set("Retry-After", "10")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota"}}`))
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	manager, err := h.d.AccountManager(context.Background())
	require.NoError(t, err)

	clock := &fakeClock{t: time.Now()}
	manager.SetClock(clock.Now)
	h.d.now = clock.Now
	var slept []time.Duration
	h.d.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.Advance(d)
		return nil
	}

	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "claude-sonnet-4-5", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, 2, calls)
	require.Equal(t, []time.Duration{10 * time.Second}, slept)
	require.False(t, manager.IsRateLimited(manager.At(0), models.FamilyClaude))
}

func TestDispatch_CancelledWhileWaiting(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.d.RoundTrip(newModelRequest(t, ctx, "gemini-2.5-pro", "generateContent", simplePrompt))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatch_ServerErrorCooldownWithSeveralAccounts(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer access-rt-a" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a;;rt-b|proj-b", "access-rt-a"), Options{}, backend.URL)
	start := time.Now()
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	reset := h.storage.Load().Accounts[0].RateLimitResetTimes[models.FamilyGeminiPro]
	require.InDelta(t, start.Add(ServerErrorCooldown).UnixMilli(), reset, float64(5*time.Second/time.Millisecond))
}

func TestDispatch_ServerErrorSingleAccountReturnsResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"internal"}}`))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "internal", gjson.Get(readBody(t, resp), "error.message").String())
}

func TestDispatch_InvalidGrantRemovesAccount(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-rt-b", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	cred := &auth.OAuthCredential{Type: "oauth", Refresh: "revoked-a|proj-a;;rt-b|proj-b"}
	h := newHarness(t, cred, Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	stored, err := h.store.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rt-b|proj-b", stored.Refresh)
	require.Contains(t, h.toastText(), "Removed account 1")

	doc := h.storage.Load()
	require.Len(t, doc.Accounts, 1)
	require.Equal(t, "rt-b", doc.Accounts[0].RefreshToken)
}

func TestDispatch_InvalidGrantLastAccount(t *testing.T) {
	h := newHarness(t, &auth.OAuthCredential{Type: "oauth", Refresh: "revoked-a|proj-a"}, Options{}, "http://127.0.0.1:1")
	_, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.ErrorIs(t, err, auth.ErrNoAccounts)
	require.Equal(t, http.StatusUnauthorized, StatusCode(err))
	require.Contains(t, h.toastText(), "error: ")
}

func TestDispatch_SessionRecoveryStripsThinking(t *testing.T) {
	var bodies []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		w.Header().Set("Content-Type", "application/json")
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Corrupted thought signature."}}`))
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{SessionRecovery: true}, backend.URL)
	sig := strings.Repeat("s", 64)
	h.d.signatures.Put(models.FamilyGeminiFlash, h.d.sessionID, "cached thought", sig)

	prompt := `{"contents":[
		{"role":"user","parts":[{"text":"q"}]},
		{"role":"model","parts":[{"thought":true,"text":"cached thought"},{"text":"a"}]},
		{"role":"user","parts":[{"text":"again"}]}
	]}`
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-flash", "generateContent", prompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	require.Equal(t, sig, gjson.Get(bodies[0], "request.contents.1.parts.0.thoughtSignature").String())
	parts := gjson.Get(bodies[1], "request.contents.1.parts").Array()
	require.Len(t, parts, 1)
	require.Equal(t, "a", parts[0].Get("text").String())
}

func TestDispatch_BadRequestWithoutRecovery(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid thought signature"}}`))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-flash", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDispatch_Streaming(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:streamGenerateContent", r.URL.Path)
		require.Equal(t, "sse", r.URL.Query().Get("alt"))
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: " + okBody + "\n\n"))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-flash", "streamGenerateContent", simplePrompt))
	require.NoError(t, err)
	body := readBody(t, resp)
	require.True(t, strings.HasPrefix(body, `data: {"candidates"`))
	require.NotContains(t, body, `"response"`)
}

func TestDispatch_RefreshesExpiredToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-rt-a", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, &auth.OAuthCredential{Type: "oauth", Refresh: "rt-a|proj-a", Access: "stale", Expires: 1}, Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.NoError(t, err)
	resp.Body.Close()

	stored, err := h.store.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-rt-a", stored.Access)
	require.Greater(t, stored.Expires, time.Now().UnixMilli())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("ok")))
}

func TestDispatch_RefreshFailureCoolsDownAndRotates(t *testing.T) {
	var auths []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, &auth.OAuthCredential{Type: "oauth", Refresh: "broken-a|proj-a;;rt-b|proj-b", Access: "stale", Expires: 1}, Options{}, backend.URL)
	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-pro", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, []string{"Bearer access-rt-b"}, auths)
	manager, err := h.d.AccountManager(context.Background())
	require.NoError(t, err)
	require.True(t, manager.IsRateLimited(manager.At(0), models.FamilyGeminiPro))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.refreshes.WithLabelValues("error")))
}

func TestDispatch_NoAccounts(t *testing.T) {
	h := newHarness(t, nil, Options{}, "http://127.0.0.1:1")
	_, err := h.d.Dispatch(context.Background(), "gemini-2.5-pro", false, []byte(simplePrompt))
	require.True(t, errors.Is(err, auth.ErrNoAccounts))
}

func TestDispatcher_RemoveAccount(t *testing.T) {
	h := newHarness(t, liveCredential("rt-a|proj-a;;rt-b|proj-b", "access-rt-a"), Options{}, "http://127.0.0.1:1")
	require.NoError(t, h.d.RemoveAccount(context.Background(), 0))
	require.Error(t, h.d.RemoveAccount(context.Background(), 5))

	stored, err := h.store.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rt-b|proj-b", stored.Refresh)
}

func TestParseModelCall(t *testing.T) {
	req := newModelRequest(t, context.Background(), "gemini-2.5-pro", "streamGenerateContent", "")
	call, ok := parseModelCall(req)
	require.True(t, ok)
	require.Equal(t, "gemini-2.5-pro", call.model)
	require.True(t, call.stream())

	req = newModelRequest(t, context.Background(), "gemini-2.5-pro", "countTokens", "")
	_, ok = parseModelCall(req)
	require.False(t, ok)

	get, err := http.NewRequest(http.MethodGet, "https://generativelanguage.googleapis.com/v1beta/models", nil)
	require.NoError(t, err)
	_, ok = parseModelCall(get)
	require.False(t, ok)
}

func TestDispatch_ZeroRetryHintBacksOff(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"0s"}]}}`))
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer backend.Close()

	h := newHarness(t, liveCredential("rt-a|proj-a", "access-rt-a"), Options{}, backend.URL)
	manager, err := h.d.AccountManager(context.Background())
	require.NoError(t, err)

	clock := &fakeClock{t: time.Now()}
	manager.SetClock(clock.Now)
	h.d.now = clock.Now
	var slept []time.Duration
	h.d.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.Advance(d)
		return nil
	}

	resp, err := h.d.RoundTrip(newModelRequest(t, context.Background(), "gemini-2.5-flash", "generateContent", simplePrompt))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, 2, calls)
	require.Equal(t, []time.Duration{DefaultRateLimitDelay}, slept)
}

// interleavingStore runs onSet around every credential write, standing in for
// a concurrent request that reads the dispatcher mid-persist.
type interleavingStore struct {
	auth.CredentialStore
	onSet func()
}

func (s *interleavingStore) SetCredential(ctx context.Context, cred *auth.OAuthCredential) error {
	s.onSet()
	err := s.CredentialStore.SetCredential(ctx, cred)
	s.onSet()
	return err
}

func TestDispatcher_PersistKeepsManagerForConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, liveCredential("rt-a|proj-a;;rt-b|proj-b;;rt-c|proj-c", "access-rt-a"), Options{}, "http://127.0.0.1:1")
	manager, err := h.d.AccountManager(ctx)
	require.NoError(t, err)
	manager.UpdateAccount(manager.At(2), "access-rt-c", time.Now().Add(time.Hour).UnixMilli(), nil)

	var seen []*auth.AccountManager
	h.d.store = &interleavingStore{CredentialStore: h.store, onSet: func() {
		m, err := h.d.AccountManager(ctx)
		require.NoError(t, err)
		seen = append(seen, m)
	}}

	require.NoError(t, h.d.RemoveAccount(ctx, 1))
	require.Len(t, seen, 2)
	for _, m := range seen {
		require.Same(t, manager, m)
	}

	live, err := h.d.AccountManager(ctx)
	require.NoError(t, err)
	require.Same(t, manager, live)
	require.Equal(t, 2, live.Count())
	require.Equal(t, "access-rt-c", live.Snapshot(live.At(1)).AccessToken)

	stored, err := h.store.Credential(ctx)
	require.NoError(t, err)
	require.Equal(t, "rt-a|proj-a;;rt-c|proj-c", stored.Refresh)

	// A change made outside the dispatcher still rebuilds the manager.
	require.NoError(t, h.store.SetCredential(ctx, liveCredential("rt-z|proj-z", "access-rt-z")))
	rebuilt, err := h.d.AccountManager(ctx)
	require.NoError(t, err)
	require.NotSame(t, manager, rebuilt)
}

func TestEnsureAccessToken_SharedRefreshSurvivesCancelledCaller(t *testing.T) {
	hit := make(chan struct{}, 4)
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-shared","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer tokens.Close()
	defer unblock()

	h := newHarness(t, &auth.OAuthCredential{Type: "oauth", Refresh: "rt-a|proj-a;;rt-b|proj-b"}, Options{}, "http://127.0.0.1:1")
	h.d.refresher.SetTokenURL(tokens.URL + "/token")
	manager, err := h.d.AccountManager(context.Background())
	require.NoError(t, err)
	acc := manager.At(0)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := h.d.ensureAccessToken(ctxA, manager, acc)
		errA <- err
	}()
	<-hit

	type result struct {
		cred *auth.OAuthCredential
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		cred, err := h.d.ensureAccessToken(context.Background(), manager, acc)
		resB <- result{cred, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	unblock()
	got := <-resB
	require.NoError(t, got.err)
	require.Equal(t, "access-shared", got.cred.Access)
	require.False(t, manager.IsRateLimited(acc, models.FamilyGeminiPro))
}
