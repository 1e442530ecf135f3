package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/executor"
	"github.com/ceciliomichael/antigravity-gateway/internal/search"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const maxRequestBody = 32 << 20

// skipResponseHeaders are not copied from the dispatched response.
var skipResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Connection":        true,
	"Transfer-Encoding": true,
}

// generateHandler serves POST /v1beta/models/{model}:{generateContent|streamGenerateContent}
// by replaying the call against the intercepted Gemini host through the dispatcher.
func (s *Server) generateHandler(c *gin.Context) {
	call := c.Param("call")
	model, action, ok := strings.Cut(call, ":")
	if !ok || model == "" || (action != "generateContent" && action != "streamGenerateContent") {
		writeError(c, http.StatusNotFound, "Unsupported method: "+call)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		writeError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxRequestBody))
		return
	}

	target := url.URL{
		Scheme: "https",
		Host:   executor.InterceptHost,
		Path:   "/v1beta/models/" + call,
	}
	if action == "streamGenerateContent" {
		target.RawQuery = "alt=sse"
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		writeDispatchError(c, err)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		if skipResponseHeaders[k] {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		streamBody(c, resp.Body)
		return
	}
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		log.Debugf("copy response for %s: %v", model, err)
	}
}

// streamBody relays an SSE body, flushing after every read.
func streamBody(c *gin.Context, body io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("stream relay ended: %v", err)
			}
			return
		}
	}
}

type searchRequest struct {
	Query    string   `json:"query"`
	URLs     []string `json:"urls"`
	Thinking *bool    `json:"thinking"`
}

// searchHandler runs a grounded search and returns the formatted answer.
func (s *Server) searchHandler(c *gin.Context) {
	if s.searcher == nil {
		writeError(c, http.StatusNotImplemented, "Search is not configured")
		return
	}

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(c, http.StatusBadRequest, "Request body must contain a non-empty query")
		return
	}

	thinking := true
	if req.Thinking != nil {
		thinking = *req.Thinking
	}

	result, err := s.searcher.Search(c.Request.Context(), search.Request{
		Query:    req.Query,
		URLs:     req.URLs,
		Thinking: thinking,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}
