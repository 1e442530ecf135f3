package translator

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/cache"
	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponseContext carries what the response side needs to know about the request.
type ResponseContext struct {
	// Model is the upstream model name.
	Model     string
	Family    models.Family
	SessionID string

	Signatures  *cache.SignatureCache
	ToolSchemas *cache.ToolSchemaCache
}

func (rc *ResponseContext) ensureCaches() {
	if rc.Signatures == nil {
		rc.Signatures = cache.NewSignatureCache()
	}
	if rc.ToolSchemas == nil {
		rc.ToolSchemas = cache.NewToolSchemaCache()
	}
	if rc.Family == "" {
		rc.Family = models.FamilyForModel(rc.Model)
	}
}

// TransformResponse rewrites a backend response in place. Successful event
// streams are piped through a StreamTransformer, JSON bodies are rewritten
// whole, and anything else passes through untouched.
func TransformResponse(resp *http.Response, rc ResponseContext) *http.Response {
	rc.ensureCaches()
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	switch {
	case strings.Contains(contentType, "text/event-stream") && resp.StatusCode < http.StatusMultipleChoices:
		resp.Body = NewStreamTransformer(resp.Body, rc)
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		return resp

	case strings.Contains(contentType, "json") || strings.Contains(contentType, "text/event-stream"):
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			log.Warnf("read backend response: %v", err)
			resp.Body = io.NopCloser(bytes.NewReader(body))
			return resp
		}

		out, usage, hasUsage := TransformBufferedBody(resp.StatusCode, body, rc)
		if hasUsage {
			usage.ApplyHeaders(resp.Header)
		}
		resp.Body = io.NopCloser(bytes.NewReader(out))
		resp.ContentLength = int64(len(out))
		resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
		return resp

	default:
		log.Debugf("passing through %q response (status %d)", contentType, resp.StatusCode)
		return resp
	}
}

// TransformBufferedBody rewrites a complete backend body: array wrapping is
// tolerated, thought signatures are cached, at most one error rewrite is
// applied, usage is extracted, tool arguments are normalised and leaked
// transcript text is scrubbed. Bodies that are not JSON are returned as is.
func TransformBufferedBody(status int, body []byte, rc ResponseContext) ([]byte, UsageDetail, bool) {
	rc.ensureCaches()
	elements, _ := parseLoose(body)
	if elements == nil {
		return body, UsageDetail{}, false
	}

	var (
		usage    UsageDetail
		hasUsage bool
		out      = make([]string, 0, len(elements))
		rewrote  bool
	)
	for _, elem := range elements {
		if gjson.Get(elem, "error").Exists() {
			if !rewrote {
				elem, rewrote = rewriteError(elem, status, rc.Model)
			}
			out = append(out, elem)
			continue
		}

		if u, ok := ParseUsage([]byte(elem)); ok {
			usage, hasUsage = u, true
		}
		inner := unwrapResponse(elem)
		cacheThoughtSignatures(inner, rc, make(map[int64]*strings.Builder))
		out = append(out, normalizeCandidateParts(inner, rc, true))
	}

	if len(out) == 1 {
		return []byte(out[0]), usage, hasUsage
	}
	arr := `[]`
	for _, o := range out {
		arr, _ = sjson.SetRaw(arr, "-1", o)
	}
	return []byte(arr), usage, hasUsage
}

// parseLoose returns the JSON objects in body: the object itself, or the
// object elements of a top-level array. wrapped reports array input.
// Single-element arrays are unwrapped by callers.
func parseLoose(body []byte) (elements []string, wrapped bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return nil, false
	}
	root := gjson.ParseBytes(trimmed)
	switch {
	case root.IsObject():
		return []string{root.Raw}, false
	case root.IsArray():
		for _, item := range root.Array() {
			if item.IsObject() {
				elements = append(elements, item.Raw)
			}
		}
		if len(elements) == 0 {
			return nil, true
		}
		return elements, true
	}
	return nil, false
}

func unwrapResponse(elem string) string {
	if r := gjson.Get(elem, "response"); r.IsObject() {
		return r.Raw
	}
	return elem
}

// cacheThoughtSignatures records (thought text, signature) pairs. Thought text
// accumulates per candidate index in pending until a part carries a signature.
func cacheThoughtSignatures(resp string, rc ResponseContext, pending map[int64]*strings.Builder) {
	gjson.Get(resp, "candidates").ForEach(func(ci, cand gjson.Result) bool {
		idx := cand.Get("index").Int()
		if !cand.Get("index").Exists() {
			idx = ci.Int()
		}
		buf := pending[idx]
		if buf == nil {
			buf = &strings.Builder{}
			pending[idx] = buf
		}
		cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("thought").Bool() {
				buf.WriteString(part.Get("text").String())
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" && buf.Len() > 0 {
				rc.Signatures.Put(rc.Family, rc.SessionID, buf.String(), sig)
				buf.Reset()
			}
			return true
		})
		return true
	})
}
