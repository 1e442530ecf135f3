package translator

import (
	"fmt"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// minClaudeSignatureLength is the shortest signature the proxy accepts as genuine.
const minClaudeSignatureLength = 50

// unsupportedSchemaKeys are JSON Schema keywords the Claude proxy rejects.
var unsupportedSchemaKeys = []string{
	"$schema", "$ref", "$defs", "maxItems", "minItems", "minLength", "maxLength",
	"exclusiveMinimum", "exclusiveMaximum", "additionalProperties", "format",
}

func transformClaudeRequest(rc RequestContext, upstream, inner string, debug *DebugInfo) string {
	inner = convertClaudeToolSchemas(rc, inner, debug)
	inner = string(models.ApplyClaudeThinking(upstream, []byte(inner), rc.ClaudeMinThinkingBudget))
	inner = filterClaudeThinking(rc, inner, debug)
	inner = assignToolCallIDs(inner, debug)
	return inner
}

// convertClaudeToolSchemas moves parametersJsonSchema to parameters and forces
// an object schema with a non-null properties map on every declaration.
func convertClaudeToolSchemas(rc RequestContext, inner string, debug *DebugInfo) string {
	forEachFunctionDeclaration(inner, func(path string, decl gjson.Result) {
		debug.ToolCount++
		name := decl.Get("name").String()
		schema, key := declarationSchema(decl)
		rc.ToolSchemas.Put(schema, name)

		switch {
		case key == "":
			inner, _ = sjson.SetRaw(inner, path+".parameters", `{"type":"object","properties":{}}`)
			return
		case key != "parameters":
			inner = renameJSONKey(inner, path+"."+key, path+".parameters")
		}
		inner, _ = sjson.Set(inner, path+".parameters.type", "object")
		if props := gjson.Get(inner, path+".parameters.properties"); !props.Exists() || props.Type == gjson.Null {
			inner, _ = sjson.SetRaw(inner, path+".parameters.properties", `{}`)
		}
	})

	tools := gjson.Get(inner, "tools")
	if !tools.Exists() {
		return inner
	}
	cleaned := tools.Raw
	for _, key := range unsupportedSchemaKeys {
		cleaned = deleteJSONKey(cleaned, key)
	}
	anyOfPaths := findJSONPaths(gjson.Parse(cleaned), "", "anyOf")
	for i := len(anyOfPaths) - 1; i >= 0; i-- {
		p := anyOfPaths[i]
		if strings.HasSuffix(p, ".properties.anyOf") {
			continue
		}
		if items := gjson.Get(cleaned, p).Array(); len(items) > 0 {
			cleaned, _ = sjson.SetRaw(cleaned, strings.TrimSuffix(p, ".anyOf"), firstNonNullSchema(items))
		}
	}
	inner, _ = sjson.SetRaw(inner, "tools", cleaned)
	return inner
}

func firstNonNullSchema(items []gjson.Result) string {
	for _, item := range items {
		if item.Get("type").String() != "null" {
			return item.Raw
		}
	}
	return items[0].Raw
}

// filterClaudeThinking keeps thought blocks carrying a genuine signature not
// issued to another family, restores signatures from the cache where it can,
// and drops the rest.
func filterClaudeThinking(rc RequestContext, inner string, debug *DebugInfo) string {
	family := models.FamilyClaude
	return rebuildModelParts(inner, func() partFilter {
		return func(part gjson.Result) []string {
			tp, ok := asThoughtPart(part)
			if !ok {
				return []string{part.Raw}
			}
			foreign := rc.Signatures.HeldByOtherFamily(family, rc.SessionID, tp.text)
			if len(tp.signature) >= minClaudeSignatureLength && !foreign {
				rc.Signatures.Put(family, rc.SessionID, tp.text, tp.signature)
				return []string{part.Raw}
			}
			if sig := rc.Signatures.Get(family, rc.SessionID, tp.text); sig != "" {
				out, _ := sjson.Set(part.Raw, tp.signatureKey, sig)
				return []string{out}
			}
			debug.DroppedThinking++
			return nil
		}
	})
}

// assignToolCallIDs gives every function call an id and pairs function
// responses lacking one with calls of the same name in call order.
func assignToolCallIDs(inner string, debug *DebugInfo) string {
	pending := make(map[string][]string)
	gjson.Get(inner, "contents").ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			base := fmt.Sprintf("contents.%d.parts.%d", ci.Int(), pi.Int())
			if call := part.Get("functionCall"); call.Exists() {
				name := call.Get("name").String()
				id := call.Get("id").String()
				if id == "" {
					id = newToolCallID()
					inner, _ = sjson.Set(inner, base+".functionCall.id", id)
					debug.SyntheticIDs++
				}
				pending[name] = append(pending[name], id)
				return true
			}
			if resp := part.Get("functionResponse"); resp.Exists() {
				name := resp.Get("name").String()
				queue := pending[name]
				if id := resp.Get("id").String(); id != "" {
					pending[name] = removeID(queue, id)
					return true
				}
				if len(queue) > 0 {
					inner, _ = sjson.Set(inner, base+".functionResponse.id", queue[0])
					pending[name] = queue[1:]
				}
			}
			return true
		})
		return true
	})
	return inner
}

func newToolCallID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func removeID(queue []string, id string) []string {
	for i, queued := range queue {
		if queued == id {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}
