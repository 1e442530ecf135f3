package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var controlEscapes = strings.NewReplacer(`\n`, "\n", `\r`, "\r", `\t`, "\t")

// normalizeArgValue decides how a string argument should be re-encoded. Strings
// become structured values only when the declared parameter type is array or
// object; anything else only has escaped control characters unescaped.
func normalizeArgValue(kind, value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	switch kind {
	case "array":
		if strings.HasPrefix(trimmed, "[") && gjson.Valid(trimmed) {
			return trimmed, true
		}
	case "object":
		if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
			return trimmed, true
		}
	}

	if strings.ContainsAny(value, "\n\r\t") || !strings.Contains(value, `\`) {
		return "", false
	}
	unescaped := controlEscapes.Replace(value)
	if unescaped == value {
		return "", false
	}
	raw, err := json.Marshal(unescaped)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// normalizeCandidateParts restores declared tool names, re-types stringified
// tool arguments and, when scrub is set, removes transcript artifacts from text.
func normalizeCandidateParts(resp string, rc ResponseContext, scrub bool) string {
	gjson.Get(resp, "candidates").ForEach(func(ci, cand gjson.Result) bool {
		cand.Get("content.parts").ForEach(func(pi, part gjson.Result) bool {
			base := fmt.Sprintf("candidates.%d.content.parts.%d", ci.Int(), pi.Int())

			if call := part.Get("functionCall"); call.Exists() {
				name := call.Get("name").String()
				args := call.Get("args")
				switch {
				case args.IsObject():
					args.ForEach(func(key, value gjson.Result) bool {
						if value.Type != gjson.String {
							return true
						}
						kind := rc.ToolSchemas.ParamType(name, key.String())
						if raw, ok := normalizeArgValue(kind, value.String()); ok {
							resp, _ = sjson.SetRaw(resp, base+".functionCall.args."+escapePathKey(key.String()), raw)
						}
						return true
					})
				case args.Type == gjson.String:
					if trimmed := strings.TrimSpace(args.String()); strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
						resp, _ = sjson.SetRaw(resp, base+".functionCall.args", trimmed)
					}
				}
				if original := rc.ToolSchemas.OriginalName(name); original != name {
					resp, _ = sjson.Set(resp, base+".functionCall.name", original)
				}
			}

			if body := part.Get("functionResponse.response"); body.Type == gjson.String {
				if trimmed := strings.TrimSpace(body.String()); strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
					resp, _ = sjson.SetRaw(resp, base+".functionResponse.response", trimmed)
				}
			}

			if text := part.Get("text"); scrub && text.Type == gjson.String && !part.Get("thought").Bool() {
				if cleaned := scrubText(text.String()); cleaned != text.String() {
					resp, _ = sjson.Set(resp, base+".text", cleaned)
				}
			}
			return true
		})
		return true
	})
	return resp
}
