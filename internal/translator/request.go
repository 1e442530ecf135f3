// Package translator rewrites Gemini-shaped model requests into the backend's
// wrapped agent format and rewrites backend responses back into the shape the
// caller expects.
package translator

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/cache"
	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SkipThoughtSignature is accepted by the backend in place of a real signature.
const SkipThoughtSignature = "skip_thought_signature_validator"

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RequestContext carries everything a request transform needs besides the payload.
type RequestContext struct {
	// Model is the model named by the caller, before alias resolution.
	Model     string
	ProjectID string
	SessionID string
	Streaming bool

	Signatures  *cache.SignatureCache
	ToolSchemas *cache.ToolSchemaCache

	// ClaudeMinThinkingBudget overrides models.ClaudeMinThinkingBudget when positive.
	ClaudeMinThinkingBudget int
}

// DebugInfo summarises what a request transform did.
type DebugInfo struct {
	Family          models.Family
	UpstreamModel   string
	RequestID       string
	ToolCount       int
	RenamedTools    int
	DroppedThinking int
	SyntheticIDs    int
}

// TransformResult is a wrapped request ready for the backend.
type TransformResult struct {
	Body  []byte
	Debug DebugInfo
}

// NewSessionID returns a session id in the backend's negative-number format.
func NewSessionID() string {
	randMu.Lock()
	n := randSource.Int63n(9_000_000_000_000_000_000)
	randMu.Unlock()
	return "-" + strconv.FormatInt(n, 10)
}

func newRequestID() string {
	return "agent-" + uuid.NewString()
}

// TransformRequest wraps an inbound generateContent payload for the backend,
// applying the family-specific rewrites for rc.Model. It fails only when the
// payload is not a JSON object; callers then forward the original body.
func TransformRequest(rc RequestContext, payload []byte) (*TransformResult, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, fmt.Errorf("request body is not a JSON object")
	}
	if rc.Signatures == nil {
		rc.Signatures = cache.NewSignatureCache()
	}
	if rc.ToolSchemas == nil {
		rc.ToolSchemas = cache.NewToolSchemaCache()
	}
	if rc.SessionID == "" {
		rc.SessionID = NewSessionID()
	}

	upstream := models.Alias2ModelName(rc.Model)
	debug := DebugInfo{
		Family:        models.FamilyForModel(upstream),
		UpstreamModel: upstream,
		RequestID:     newRequestID(),
	}

	inner := normalizeCommon(string(payload))
	if debug.Family == models.FamilyClaude {
		inner = transformClaudeRequest(rc, upstream, inner, &debug)
	} else {
		inner = transformGeminiRequest(rc, debug.Family, inner, &debug)
	}
	inner, _ = sjson.Set(inner, "sessionId", rc.SessionID)

	wrapped := `{}`
	wrapped, _ = sjson.Set(wrapped, "project", rc.ProjectID)
	wrapped, _ = sjson.Set(wrapped, "model", upstream)
	wrapped, _ = sjson.Set(wrapped, "userAgent", "antigravity")
	wrapped, _ = sjson.Set(wrapped, "requestType", "agent")
	wrapped, _ = sjson.Set(wrapped, "requestId", debug.RequestID)
	wrapped, _ = sjson.SetRaw(wrapped, "request", inner)

	return &TransformResult{Body: []byte(wrapped), Debug: debug}, nil
}

var cachedContentPaths = []string{
	"cachedContent",
	"cached_content",
	"extra_body.cachedContent",
	"extra_body.cached_content",
}

// normalizeCommon applies the rewrites shared by every family.
func normalizeCommon(inner string) string {
	inner, _ = sjson.Delete(inner, "safetySettings")
	inner, _ = sjson.Delete(inner, "model")
	inner, _ = sjson.Set(inner, "toolConfig.functionCallingConfig.mode", "VALIDATED")

	if snake := gjson.Get(inner, "system_instruction"); snake.Exists() {
		if !gjson.Get(inner, "systemInstruction").Exists() {
			inner, _ = sjson.SetRaw(inner, "systemInstruction", snake.Raw)
		}
		inner, _ = sjson.Delete(inner, "system_instruction")
	}
	if si := gjson.Get(inner, "systemInstruction"); si.Type == gjson.String {
		inner, _ = sjson.SetRaw(inner, "systemInstruction", textContent(si.String()))
	}

	var cached gjson.Result
	for _, path := range cachedContentPaths {
		if v := gjson.Get(inner, path); v.Exists() && !cached.Exists() {
			cached = v
		}
	}
	for _, path := range cachedContentPaths {
		inner, _ = sjson.Delete(inner, path)
	}
	if cached.Exists() {
		inner, _ = sjson.SetRaw(inner, "cachedContent", cached.Raw)
	}
	if extra := gjson.Get(inner, "extra_body"); extra.Exists() && len(extra.Map()) == 0 {
		inner, _ = sjson.Delete(inner, "extra_body")
	}

	return string(models.NormalizeThinkingConfig([]byte(inner)))
}

func textContent(text string) string {
	out := `{"parts":[]}`
	part, _ := sjson.Set(`{}`, "text", text)
	out, _ = sjson.SetRaw(out, "parts.-1", part)
	return out
}

// forEachFunctionDeclaration visits tools[].functionDeclarations[] (and the
// snake_case spelling) with the sjson path of each declaration.
func forEachFunctionDeclaration(inner string, fn func(path string, decl gjson.Result)) {
	gjson.Get(inner, "tools").ForEach(func(ti, tool gjson.Result) bool {
		for _, key := range []string{"functionDeclarations", "function_declarations"} {
			tool.Get(key).ForEach(func(di, decl gjson.Result) bool {
				fn(fmt.Sprintf("tools.%d.%s.%d", ti.Int(), key, di.Int()), decl)
				return true
			})
		}
		return true
	})
}

func declarationSchema(decl gjson.Result) (gjson.Result, string) {
	for _, key := range []string{"parameters", "parametersJsonSchema", "parameters_json_schema"} {
		if v := decl.Get(key); v.Exists() {
			return v, key
		}
	}
	return gjson.Result{}, ""
}

// thoughtPart is a thinking segment in either the Gemini part shape
// ({"thought":true,"text","thoughtSignature"}) or the Claude block shape
// ({"type":"thinking","thinking","signature"}).
type thoughtPart struct {
	text         string
	signature    string
	signatureKey string
	claudeShape  bool
}

func asThoughtPart(part gjson.Result) (thoughtPart, bool) {
	if part.Get("type").String() == "thinking" {
		text := part.Get("thinking").String()
		if text == "" {
			text = part.Get("text").String()
		}
		return thoughtPart{text: text, signature: part.Get("signature").String(), signatureKey: "signature", claudeShape: true}, true
	}
	if part.Get("thought").Bool() {
		return thoughtPart{text: part.Get("text").String(), signature: part.Get("thoughtSignature").String(), signatureKey: "thoughtSignature"}, true
	}
	return thoughtPart{}, false
}

// partFilter returns the replacement parts for one input part.
type partFilter func(part gjson.Result) []string

// rebuildModelParts rewrites the parts of every model-role content with a
// filter obtained from newFilter once per content. Contents left without
// parts are removed.
func rebuildModelParts(inner string, newFilter func() partFilter) string {
	contents := gjson.Get(inner, "contents")
	if !contents.IsArray() {
		return inner
	}
	out := `[]`
	for _, content := range contents.Array() {
		if !isModelContent(content) {
			out, _ = sjson.SetRaw(out, "-1", content.Raw)
			continue
		}
		filter := newFilter()
		parts := `[]`
		count := 0
		for _, part := range content.Get("parts").Array() {
			for _, replacement := range filter(part) {
				parts, _ = sjson.SetRaw(parts, "-1", replacement)
				count++
			}
		}
		if count == 0 {
			continue
		}
		rebuilt, _ := sjson.SetRaw(content.Raw, "parts", parts)
		out, _ = sjson.SetRaw(out, "-1", rebuilt)
	}
	inner, _ = sjson.SetRaw(inner, "contents", out)
	return inner
}

func isModelContent(content gjson.Result) bool {
	return strings.EqualFold(content.Get("role").String(), "model")
}
