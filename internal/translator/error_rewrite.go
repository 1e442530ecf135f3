package translator

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// PreviewAccessURL is where accounts request access to preview models.
	PreviewAccessURL = "https://goo.gle/enable-preview-features"

	defaultQuotaMessage = "You have exhausted your capacity on this model. Your quota will reset after the rate-limit window; retry later or switch accounts."
)

var previewModelPattern = regexp.MustCompile(`gemini-3[\w.-]*`)

// rewriteError replaces the message of a recognised error payload. The
// preview-access rewrite takes precedence over the quota rewrite, and at
// most one is applied. status may be zero, in which case error.code is used.
func rewriteError(payload string, status int, model string) (string, bool) {
	errNode := gjson.Get(payload, "error")
	if !errNode.IsObject() {
		return payload, false
	}
	if status == 0 {
		status = int(errNode.Get("code").Int())
	}
	message := errNode.Get("message").String()

	if status == http.StatusNotFound {
		name := model
		if !models.IsPreviewModel(name) {
			name = previewModelPattern.FindString(message)
		}
		if name != "" {
			hint := fmt.Sprintf("Model %s is a preview model that this account cannot use yet. Request preview access at %s, then retry.", name, PreviewAccessURL)
			payload, _ = sjson.Set(payload, "error.message", hint)
			return payload, true
		}
	}

	if status == http.StatusTooManyRequests || errNode.Get("status").String() == "RESOURCE_EXHAUSTED" {
		if strings.TrimSpace(message) == "" {
			message = defaultQuotaMessage
		}
		payload, _ = sjson.Set(payload, "error.message", message)
		return payload, true
	}
	return payload, false
}
