package translator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestIsThoughtSignatureError(t *testing.T) {
	require.True(t, IsThoughtSignatureError([]byte(`{"error":{"code":400,"message":"Invalid thought signature in part 3"}}`)))
	require.True(t, IsThoughtSignatureError([]byte(`thinking block has a corrupted signature`)))
	require.False(t, IsThoughtSignatureError([]byte(`{"error":{"code":400,"message":"Invalid argument"}}`)))
}

func TestStripThinking(t *testing.T) {
	wrapped := `{"project":"p","request":{"contents":[
		{"role":"user","parts":[{"text":"q"}]},
		{"role":"model","parts":[
			{"thought":true,"text":"t","thoughtSignature":"sig"},
			{"functionCall":{"name":"f","args":{}},"thoughtSignature":"sig"},
			{"text":"a","thoughtSignature":"sig"}
		]},
		{"role":"model","parts":[{"type":"thinking","thinking":"only","signature":"sig"}]}
	]}}`

	out := gjson.ParseBytes(StripThinking([]byte(wrapped)))
	require.Equal(t, "p", out.Get("project").String())
	contents := out.Get("request.contents").Array()
	require.Len(t, contents, 2)

	parts := contents[1].Get("parts").Array()
	require.Len(t, parts, 2)
	require.Equal(t, SkipThoughtSignature, parts[0].Get("thoughtSignature").String())
	require.JSONEq(t, `{"text":"a"}`, parts[1].Raw)
}
