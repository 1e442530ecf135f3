// Package search answers web questions through the backend's grounded search tools.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// Model is the model used for grounded search.
	Model = "gemini-2.5-flash"

	thinkingBudget = 16384
	maxBody        = 4 << 20
)

const systemPrompt = `You are a research assistant with Google Search and URL reading tools.
Search before answering, prefer primary sources, and answer concisely.
When URLs are provided, read them and base the answer on their content.`

// Dispatcher sends a Gemini-shaped generateContent payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, model string, stream bool, body []byte) (*http.Response, error)
}

// Request is one search question.
type Request struct {
	Query    string   `json:"query"`
	URLs     []string `json:"urls,omitempty"`
	Thinking bool     `json:"thinking,omitempty"`
}

// Searcher runs grounded searches.
type Searcher struct {
	dispatcher Dispatcher
}

// NewSearcher creates a Searcher that sends requests through d.
func NewSearcher(d Dispatcher) *Searcher {
	return &Searcher{dispatcher: d}
}

// Search answers req and returns the answer followed by its sources.
func (s *Searcher) Search(ctx context.Context, req Request) (string, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return "", fmt.Errorf("search query is empty")
	}

	resp, err := s.dispatcher.Dispatch(ctx, Model, false, buildPayload(query, req))
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", fmt.Errorf("search failed with status %d: %s", resp.StatusCode, msg)
	}

	log.Debugf("search answered %q (%d bytes)", query, len(data))
	return formatResult(data), nil
}

func buildPayload(query string, req Request) []byte {
	prompt := query
	if len(req.URLs) > 0 {
		prompt += "\n\nURLs:\n" + strings.Join(req.URLs, "\n")
	}

	payload := `{"contents":[{"role":"user","parts":[]}],"systemInstruction":{"parts":[]},"tools":[{"googleSearch":{}}]}`
	userPart, _ := sjson.Set(`{}`, "text", prompt)
	payload, _ = sjson.SetRaw(payload, "contents.0.parts.-1", userPart)
	systemPart, _ := sjson.Set(`{}`, "text", systemPrompt)
	payload, _ = sjson.SetRaw(payload, "systemInstruction.parts.-1", systemPart)
	if len(req.URLs) > 0 {
		payload, _ = sjson.SetRaw(payload, "tools.-1", `{"urlContext":{}}`)
	}
	if req.Thinking {
		payload, _ = sjson.Set(payload, "generationConfig.thinkingConfig.thinkingBudget", thinkingBudget)
		payload, _ = sjson.Set(payload, "generationConfig.thinkingConfig.includeThoughts", false)
	} else {
		payload, _ = sjson.Set(payload, "generationConfig.thinkingConfig.thinkingBudget", 0)
	}
	return []byte(payload)
}

// formatResult renders the answer text, numbered sources and retrieved URLs.
func formatResult(data []byte) string {
	cand := gjson.GetBytes(data, "candidates.0")

	var answer strings.Builder
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if !part.Get("thought").Bool() {
			answer.WriteString(part.Get("text").String())
		}
		return true
	})

	var out strings.Builder
	text := strings.TrimSpace(answer.String())
	if text == "" {
		text = "No answer was returned."
	}
	out.WriteString(text)

	if queries := cand.Get("groundingMetadata.webSearchQueries").Array(); len(queries) > 0 {
		terms := make([]string, 0, len(queries))
		for _, q := range queries {
			terms = append(terms, fmt.Sprintf("%q", q.String()))
		}
		out.WriteString("\n\nSearched: " + strings.Join(terms, ", "))
	}

	n := 0
	cand.Get("groundingMetadata.groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
		uri := chunk.Get("web.uri").String()
		if uri == "" {
			return true
		}
		if n == 0 {
			out.WriteString("\n\nSources:")
		}
		n++
		title := chunk.Get("web.title").String()
		if title == "" {
			title = uri
		}
		fmt.Fprintf(&out, "\n%d. %s - %s", n, title, uri)
		return true
	})

	urls := cand.Get("urlContextMetadata.urlMetadata").Array()
	if len(urls) > 0 {
		out.WriteString("\n\nURLs retrieved:")
		for _, u := range urls {
			status := strings.TrimPrefix(u.Get("urlRetrievalStatus").String(), "URL_RETRIEVAL_STATUS_")
			fmt.Fprintf(&out, "\n- %s (%s)", u.Get("retrievedUrl").String(), strings.ToLower(status))
		}
	}
	return out.String()
}
