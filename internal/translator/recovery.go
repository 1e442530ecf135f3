package translator

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// IsThoughtSignatureError reports whether a 400 body complains about a thought
// signature the backend no longer accepts.
func IsThoughtSignatureError(body []byte) bool {
	msg := strings.ToLower(gjson.GetBytes(body, "error.message").String())
	if msg == "" {
		msg = strings.ToLower(string(body))
	}
	if !strings.Contains(msg, "signature") {
		return false
	}
	return strings.Contains(msg, "thought") || strings.Contains(msg, "thinking")
}

// StripThinking removes every thinking part from a wrapped request and marks
// function calls with SkipThoughtSignature, so a session whose signatures were
// rejected can continue.
func StripThinking(wrapped []byte) []byte {
	inner := gjson.GetBytes(wrapped, "request")
	if !inner.IsObject() {
		return wrapped
	}
	stripped := rebuildModelParts(inner.Raw, func() partFilter {
		return func(part gjson.Result) []string {
			if _, ok := asThoughtPart(part); ok {
				return nil
			}
			if part.Get("functionCall").Exists() {
				out, _ := sjson.Set(part.Raw, "thoughtSignature", SkipThoughtSignature)
				return []string{out}
			}
			if part.Get("thoughtSignature").Exists() {
				out, _ := sjson.Delete(part.Raw, "thoughtSignature")
				return []string{out}
			}
			return []string{part.Raw}
		}
	})
	out, err := sjson.SetRawBytes(wrapped, "request", []byte(stripped))
	if err != nil {
		return wrapped
	}
	return out
}
