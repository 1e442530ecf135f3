package search

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeDispatcher struct {
	model  string
	stream bool
	body   []byte
	status int
	resp   string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, model string, stream bool, body []byte) (*http.Response, error) {
	f.model, f.stream, f.body = model, stream, body
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(f.resp)),
	}, nil
}

const groundedAnswer = `{"candidates":[{
	"content":{"parts":[{"thought":true,"text":"planning"},{"text":"Go 1.24 was released in February 2025."}]},
	"groundingMetadata":{
		"webSearchQueries":["go 1.24 release date"],
		"groundingChunks":[
			{"web":{"uri":"https://go.dev/doc/go1.24","title":"Go 1.24 Release Notes"}},
			{"web":{"uri":"https://go.dev/blog/go1.24"}}
		]
	},
	"urlContextMetadata":{"urlMetadata":[{"retrievedUrl":"https://go.dev/doc/go1.24","urlRetrievalStatus":"URL_RETRIEVAL_STATUS_SUCCESS"}]}
}]}`

func TestSearch_BuildsGroundedRequest(t *testing.T) {
	fake := &fakeDispatcher{resp: groundedAnswer}
	out, err := NewSearcher(fake).Search(context.Background(), Request{
		Query:    "When was Go 1.24 released?",
		URLs:     []string{"https://go.dev/doc/go1.24"},
		Thinking: true,
	})
	require.NoError(t, err)

	require.Equal(t, Model, fake.model)
	require.False(t, fake.stream)
	body := gjson.ParseBytes(fake.body)
	require.True(t, body.Get("tools.0.googleSearch").Exists())
	require.True(t, body.Get("tools.1.urlContext").Exists())
	require.Contains(t, body.Get("contents.0.parts.0.text").String(), "https://go.dev/doc/go1.24")
	require.Equal(t, int64(thinkingBudget), body.Get("generationConfig.thinkingConfig.thinkingBudget").Int())

	require.True(t, strings.HasPrefix(out, "Go 1.24 was released in February 2025."))
	require.NotContains(t, out, "planning")
	require.Contains(t, out, `Searched: "go 1.24 release date"`)
	require.Contains(t, out, "1. Go 1.24 Release Notes - https://go.dev/doc/go1.24")
	require.Contains(t, out, "2. https://go.dev/blog/go1.24 - https://go.dev/blog/go1.24")
	require.Contains(t, out, "- https://go.dev/doc/go1.24 (success)")
}

func TestSearch_WithoutURLsOrThinking(t *testing.T) {
	fake := &fakeDispatcher{resp: `{"candidates":[{"content":{"parts":[{"text":"answer"}]}}]}`}
	out, err := NewSearcher(fake).Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Equal(t, "answer", out)

	body := gjson.ParseBytes(fake.body)
	require.Len(t, body.Get("tools").Array(), 1)
	require.Equal(t, int64(0), body.Get("generationConfig.thinkingConfig.thinkingBudget").Int())
}

func TestSearch_Errors(t *testing.T) {
	_, err := NewSearcher(&fakeDispatcher{}).Search(context.Background(), Request{Query: "  "})
	require.Error(t, err)

	fake := &fakeDispatcher{status: http.StatusForbidden, resp: `{"error":{"code":403,"message":"denied"}}`}
	_, err = NewSearcher(fake).Search(context.Background(), Request{Query: "q"})
	require.ErrorContains(t, err, "denied")
}
