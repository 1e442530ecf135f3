package models

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	thinkingConfigPath = "generationConfig.thinkingConfig"
	maxOutputPath      = "generationConfig.maxOutputTokens"

	// ClaudeMinThinkingBudget is the reasoning budget floor for Claude thinking models.
	ClaudeMinThinkingBudget = 16384
	// ClaudeMaxOutputTokens is the output ceiling used when maxOutputTokens would not
	// exceed the thinking budget.
	ClaudeMaxOutputTokens = 64000
)

var thinkingKeyAliases = map[string]string{
	"thinking_budget":  "thinkingBudget",
	"thinking_level":   "thinkingLevel",
	"include_thoughts": "includeThoughts",
}

var thinkingLevels = map[string]bool{"low": true, "medium": true, "high": true}

// NormalizeThinkingConfig rewrites the thinking block of an inner request into its
// canonical camelCase shape. Budget-based and level-based controls are kept as given;
// neither is converted into the other.
func NormalizeThinkingConfig(payload []byte) []byte {
	if snake := gjson.GetBytes(payload, "generationConfig.thinking_config"); snake.Exists() {
		if !gjson.GetBytes(payload, thinkingConfigPath).Exists() {
			payload, _ = sjson.SetRawBytes(payload, thinkingConfigPath, []byte(snake.Raw))
		}
		payload, _ = sjson.DeleteBytes(payload, "generationConfig.thinking_config")
	}

	cfg := gjson.GetBytes(payload, thinkingConfigPath)
	if !cfg.Exists() {
		return payload
	}
	if !cfg.IsObject() {
		payload, _ = sjson.DeleteBytes(payload, thinkingConfigPath)
		return payload
	}

	for from, to := range thinkingKeyAliases {
		v := cfg.Get(from)
		if !v.Exists() {
			continue
		}
		if !cfg.Get(to).Exists() {
			payload, _ = sjson.SetRawBytes(payload, thinkingConfigPath+"."+to, []byte(v.Raw))
		}
		payload, _ = sjson.DeleteBytes(payload, thinkingConfigPath+"."+from)
	}

	if level := gjson.GetBytes(payload, thinkingConfigPath+".thinkingLevel"); level.Exists() {
		normalized := strings.ToLower(strings.TrimSpace(level.String()))
		if thinkingLevels[normalized] {
			payload, _ = sjson.SetBytes(payload, thinkingConfigPath+".thinkingLevel", normalized)
		} else {
			payload, _ = sjson.DeleteBytes(payload, thinkingConfigPath+".thinkingLevel")
		}
	}
	if budget := gjson.GetBytes(payload, thinkingConfigPath+".thinkingBudget"); budget.Exists() && budget.Type != gjson.Number {
		payload, _ = sjson.DeleteBytes(payload, thinkingConfigPath+".thinkingBudget")
	}

	if len(gjson.GetBytes(payload, thinkingConfigPath).Map()) == 0 {
		payload, _ = sjson.DeleteBytes(payload, thinkingConfigPath)
	}
	return payload
}

// ApplyClaudeThinking enforces the Claude proxy constraints: thinking models get at
// least minBudget reasoning tokens and maxOutputTokens strictly above the budget.
// Non-thinking Claude models have the thinking block removed.
func ApplyClaudeThinking(model string, payload []byte, minBudget int) []byte {
	if !IsThinkingModel(model) {
		payload, _ = sjson.DeleteBytes(payload, thinkingConfigPath)
		return payload
	}
	if minBudget <= 0 {
		minBudget = ClaudeMinThinkingBudget
	}

	budget := int(gjson.GetBytes(payload, thinkingConfigPath+".thinkingBudget").Int())
	if budget < minBudget {
		budget = minBudget
	}
	payload, _ = sjson.SetBytes(payload, thinkingConfigPath+".thinkingBudget", budget)
	payload, _ = sjson.SetBytes(payload, thinkingConfigPath+".includeThoughts", true)

	maxOut := gjson.GetBytes(payload, maxOutputPath)
	if !maxOut.Exists() || int(maxOut.Int()) <= budget {
		ceiling := ClaudeMaxOutputTokens
		if cfg := GetModelConfig(model); cfg != nil && cfg.MaxCompletionTokens > budget {
			ceiling = cfg.MaxCompletionTokens
		}
		if ceiling <= budget {
			ceiling = budget + 1
		}
		payload, _ = sjson.SetBytes(payload, maxOutputPath, ceiling)
	}
	return payload
}
