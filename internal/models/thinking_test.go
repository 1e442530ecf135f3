package models

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeThinkingConfig_SnakeCaseBudget(t *testing.T) {
	in := []byte(`{"generationConfig":{"thinking_config":{"thinking_budget":2048,"include_thoughts":true}}}`)
	out := NormalizeThinkingConfig(in)

	require.False(t, gjson.GetBytes(out, "generationConfig.thinking_config").Exists())
	require.Equal(t, int64(2048), gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingBudget").Int())
	require.True(t, gjson.GetBytes(out, "generationConfig.thinkingConfig.includeThoughts").Bool())
}

func TestNormalizeThinkingConfig_LevelPassesThroughUnmapped(t *testing.T) {
	in := []byte(`{"generationConfig":{"thinkingConfig":{"thinkingLevel":"HIGH"}}}`)
	out := NormalizeThinkingConfig(in)

	require.Equal(t, "high", gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingLevel").String())
	require.False(t, gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingBudget").Exists())
}

func TestNormalizeThinkingConfig_DropsEmptyBlock(t *testing.T) {
	in := []byte(`{"generationConfig":{"thinkingConfig":{"thinkingLevel":"extreme"}}}`)
	out := NormalizeThinkingConfig(in)
	require.False(t, gjson.GetBytes(out, "generationConfig.thinkingConfig").Exists())
}

func TestApplyClaudeThinking_RaisesBudgetAndOutput(t *testing.T) {
	in := []byte(`{"generationConfig":{"maxOutputTokens":8000,"thinkingConfig":{"thinkingBudget":1024}}}`)
	out := ApplyClaudeThinking("claude-sonnet-4-5-thinking", in, 0)

	budget := gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingBudget").Int()
	require.Equal(t, int64(ClaudeMinThinkingBudget), budget)
	require.Greater(t, gjson.GetBytes(out, "generationConfig.maxOutputTokens").Int(), budget)
	require.True(t, gjson.GetBytes(out, "generationConfig.thinkingConfig.includeThoughts").Bool())
}

func TestApplyClaudeThinking_KeepsLargerOutput(t *testing.T) {
	in := []byte(`{"generationConfig":{"maxOutputTokens":50000,"thinkingConfig":{"thinkingBudget":20000}}}`)
	out := ApplyClaudeThinking("claude-opus-4-5-thinking", in, 0)

	require.Equal(t, int64(20000), gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingBudget").Int())
	require.Equal(t, int64(50000), gjson.GetBytes(out, "generationConfig.maxOutputTokens").Int())
}

func TestApplyClaudeThinking_NonThinkingModelStripsConfig(t *testing.T) {
	in := []byte(`{"generationConfig":{"thinkingConfig":{"thinkingBudget":1024}}}`)
	out := ApplyClaudeThinking("claude-sonnet-4-5", in, 0)
	require.False(t, gjson.GetBytes(out, "generationConfig.thinkingConfig").Exists())
}
