package translator

import (
	"fmt"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	strictParametersMarker = "STRICT PARAMETERS:"
	toolInstructionMarker  = "CRITICAL TOOL USAGE INSTRUCTIONS"
	sanitizedToolPrefix    = "t_"
)

const toolSystemInstruction = toolInstructionMarker + `:
Tool definitions in this environment differ from the ones seen in training.
Call only the tools declared in this request, using exactly the parameter names listed under STRICT PARAMETERS in each tool description.
Never invent or rename parameters. Pass array and object parameters as JSON values, not as strings.`

func transformGeminiRequest(rc RequestContext, family models.Family, inner string, debug *DebugInfo) string {
	inner = prepareGeminiTools(rc, inner, debug)
	if debug.ToolCount > 0 {
		inner = injectToolInstruction(inner)
	}
	inner = sanitizeHistoryToolNames(inner)
	inner = scrubModelTranscript(inner)
	inner = filterGeminiThinking(rc, family, inner, debug)
	return inner
}

// sanitizeToolName prefixes names the backend rejects because they start with a digit.
func sanitizeToolName(name string) string {
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		return sanitizedToolPrefix + name
	}
	return name
}

func prepareGeminiTools(rc RequestContext, inner string, debug *DebugInfo) string {
	forEachFunctionDeclaration(inner, func(path string, decl gjson.Result) {
		debug.ToolCount++
		name := decl.Get("name").String()
		upstream := sanitizeToolName(name)
		if upstream != name {
			inner, _ = sjson.Set(inner, path+".name", upstream)
			rc.ToolSchemas.RecordRename(upstream, name)
			debug.RenamedTools++
		}

		schema, _ := declarationSchema(decl)
		rc.ToolSchemas.Put(schema, upstream, name)

		desc := decl.Get("description").String()
		if !strings.Contains(desc, strictParametersMarker) {
			summary := strictParametersSummary(schema)
			if desc = strings.TrimSpace(desc); desc != "" {
				summary = desc + "\n\n" + summary
			}
			inner, _ = sjson.Set(inner, path+".description", summary)
		}
	})
	return inner
}

// strictParametersSummary renders the schema's parameters as a one-line list.
func strictParametersSummary(schema gjson.Result) string {
	required := make(map[string]bool)
	for _, r := range schema.Get("required").Array() {
		required[r.String()] = true
	}

	var entries []string
	schema.Get("properties").ForEach(func(key, prop gjson.Result) bool {
		kind := prop.Get("type").String()
		if kind == "" {
			kind = "any"
		}
		if kind == "array" {
			if item := prop.Get("items.type").String(); item != "" {
				kind = "array of " + item
			}
		}
		entry := fmt.Sprintf("%s (%s", key.String(), kind)
		if required[key.String()] {
			entry += ", REQUIRED"
		}
		entries = append(entries, entry+")")
		return true
	})

	if len(entries) == 0 {
		return strictParametersMarker + " none. Call with an empty object."
	}
	return strictParametersMarker + " " + strings.Join(entries, ", ") + "."
}

func injectToolInstruction(inner string) string {
	si := gjson.Get(inner, "systemInstruction")
	if strings.Contains(si.Raw, toolInstructionMarker) {
		return inner
	}
	part, _ := sjson.Set(`{}`, "text", toolSystemInstruction)
	if !si.Exists() {
		inner, _ = sjson.SetRaw(inner, "systemInstruction", `{"parts":[]}`)
	}
	inner, _ = sjson.SetRaw(inner, "systemInstruction.parts.-1", part)
	return inner
}

func sanitizeHistoryToolNames(inner string) string {
	gjson.Get(inner, "contents").ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			for _, key := range []string{"functionCall", "functionResponse"} {
				name := part.Get(key + ".name").String()
				if upstream := sanitizeToolName(name); upstream != name {
					path := fmt.Sprintf("contents.%d.parts.%d.%s.name", ci.Int(), pi.Int(), key)
					inner, _ = sjson.Set(inner, path, upstream)
				}
			}
			return true
		})
		return true
	})
	return inner
}

func scrubModelTranscript(inner string) string {
	return rebuildModelParts(inner, func() partFilter {
		return func(part gjson.Result) []string {
			text := part.Get("text")
			if text.Type != gjson.String || part.Get("thought").Bool() {
				return []string{part.Raw}
			}
			cleaned := scrubText(text.String())
			if cleaned == text.String() {
				return []string{part.Raw}
			}
			if cleaned == "" {
				return nil
			}
			out, _ := sjson.Set(part.Raw, "text", cleaned)
			return []string{out}
		}
	})
}

// filterGeminiThinking keeps prior thoughts only when this family issued their
// signature in this session, and gives unsigned function calls a signature.
func filterGeminiThinking(rc RequestContext, family models.Family, inner string, debug *DebugInfo) string {
	return rebuildModelParts(inner, func() partFilter {
		lastSignature := ""
		return func(part gjson.Result) []string {
			if tp, ok := asThoughtPart(part); ok {
				sig := rc.Signatures.Get(family, rc.SessionID, tp.text)
				if sig == "" {
					debug.DroppedThinking++
					return nil
				}
				lastSignature = sig
				out := `{"thought":true}`
				out, _ = sjson.Set(out, "text", tp.text)
				out, _ = sjson.Set(out, "thoughtSignature", sig)
				return []string{out}
			}
			if part.Get("functionCall").Exists() && part.Get("thoughtSignature").String() == "" {
				sig := lastSignature
				if sig == "" {
					sig = SkipThoughtSignature
				}
				out, _ := sjson.Set(part.Raw, "thoughtSignature", sig)
				return []string{out}
			}
			return []string{part.Raw}
		}
	})
}
