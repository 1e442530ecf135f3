package api

import (
	"net/http"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/executor"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// errorStatus maps HTTP codes onto google.rpc status names.
var errorStatus = map[int]string{
	http.StatusBadRequest:          "INVALID_ARGUMENT",
	http.StatusUnauthorized:        "UNAUTHENTICATED",
	http.StatusForbidden:           "PERMISSION_DENIED",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusPreconditionFailed:  "FAILED_PRECONDITION",
	http.StatusTooManyRequests:     "RESOURCE_EXHAUSTED",
	http.StatusInternalServerError: "INTERNAL",
	http.StatusBadGateway:          "UNAVAILABLE",
	http.StatusServiceUnavailable:  "UNAVAILABLE",
	http.StatusGatewayTimeout:      "DEADLINE_EXCEEDED",
}

func errorBody(code int, message string) gin.H {
	status, ok := errorStatus[code]
	if !ok {
		status = strings.ToUpper(strings.ReplaceAll(http.StatusText(code), " ", "_"))
	}
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"status":  status,
		},
	}
}

func writeError(c *gin.Context, code int, message string) {
	c.JSON(code, errorBody(code, message))
}

func abortWithError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, errorBody(code, message))
}

// writeDispatchError reports a dispatcher failure with its mapped status.
func writeDispatchError(c *gin.Context, err error) {
	code := executor.StatusCode(err)
	if c.Request.Context().Err() != nil {
		code = http.StatusGatewayTimeout
	}
	log.WithField("status", code).Warnf("dispatch failed: %v", err)
	_ = c.Error(err)
	writeError(c, code, err.Error())
}

// healthHandler returns server health status.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// modelsHandler lists the served models in the Gemini models.list shape.
func (s *Server) modelsHandler(c *gin.Context) {
	list := s.registry.ListModels()

	data := make([]gin.H, 0, len(list))
	for _, m := range list {
		entry := gin.H{
			"name":                       "models/" + m.ID,
			"displayName":                m.DisplayName,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
			"family":                     m.Family,
		}
		if m.MaxCompletionTokens > 0 {
			entry["outputTokenLimit"] = m.MaxCompletionTokens
		}
		if m.Thinking != nil {
			entry["thinking"] = true
		}
		data = append(data, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"models": data,
	})
}
