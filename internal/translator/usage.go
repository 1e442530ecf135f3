package translator

import (
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
)

// Usage response headers.
const (
	HeaderInputTokens     = "X-Antigravity-Input-Tokens"
	HeaderOutputTokens    = "X-Antigravity-Output-Tokens"
	HeaderReasoningTokens = "X-Antigravity-Reasoning-Tokens"
	HeaderCachedTokens    = "X-Antigravity-Cached-Tokens"
	HeaderTotalTokens     = "X-Antigravity-Total-Tokens"
	HeaderCacheHit        = "X-Antigravity-Cache-Hit"
)

// UsageDetail holds token usage information from API responses.
type UsageDetail struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	CachedTokens    int64
	TotalTokens     int64
}

// CacheHit reports whether any prompt tokens were served from context cache.
func (u UsageDetail) CacheHit() bool {
	return u.CachedTokens > 0
}

// ApplyHeaders surfaces the usage as response headers.
func (u UsageDetail) ApplyHeaders(h http.Header) {
	h.Set(HeaderInputTokens, strconv.FormatInt(u.InputTokens, 10))
	h.Set(HeaderOutputTokens, strconv.FormatInt(u.OutputTokens, 10))
	h.Set(HeaderReasoningTokens, strconv.FormatInt(u.ReasoningTokens, 10))
	h.Set(HeaderCachedTokens, strconv.FormatInt(u.CachedTokens, 10))
	h.Set(HeaderTotalTokens, strconv.FormatInt(u.TotalTokens, 10))
	h.Set(HeaderCacheHit, strconv.FormatBool(u.CacheHit()))
}

// ParseUsage extracts usage information from a wrapped or unwrapped response.
func ParseUsage(data []byte) (UsageDetail, bool) {
	root := gjson.ParseBytes(data)
	node := root.Get("response.usageMetadata")
	if !node.Exists() {
		node = root.Get("usageMetadata")
	}
	if !node.Exists() {
		node = root.Get("usage_metadata")
	}
	if !node.Exists() {
		return UsageDetail{}, false
	}
	detail := UsageDetail{
		InputTokens:     node.Get("promptTokenCount").Int(),
		OutputTokens:    node.Get("candidatesTokenCount").Int(),
		ReasoningTokens: node.Get("thoughtsTokenCount").Int(),
		CachedTokens:    node.Get("cachedContentTokenCount").Int(),
		TotalTokens:     node.Get("totalTokenCount").Int(),
	}
	if detail.TotalTokens == 0 {
		detail.TotalTokens = detail.InputTokens + detail.OutputTokens + detail.ReasoningTokens
	}
	return detail, true
}
