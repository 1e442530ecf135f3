package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ceciliomichael/antigravity-gateway/internal/config"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected log.Level
	}{
		{"debug", log.DebugLevel},
		{"VERBOSE", log.DebugLevel},
		{"info", log.InfoLevel},
		{"Warning", log.WarnLevel},
		{"warn", log.WarnLevel},
		{"ERROR", log.ErrorLevel},
		{"quiet", log.FatalLevel},
		{"silent", log.FatalLevel},
		{"", log.InfoLevel},
		{"foobar", log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			log.SetLevel(log.PanicLevel)
			SetLogLevel(tt.input)
			require.Equal(t, tt.expected, log.GetLevel())
		})
	}
}

func TestSetup_FileOutput(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LogLevel = "warn"

	closer, err := Setup(cfg)
	require.NoError(t, err)

	log.Warn("rotating hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.LogPath())
	require.NoError(t, err)
	require.Contains(t, string(data), "rotating hello")
	require.Equal(t, log.WarnLevel, log.GetLevel())
}

func TestSetup_ConsoleDebug(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConsoleLog = true
	cfg.Debug = true

	closer, err := Setup(cfg)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	require.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestGinLogrusLogger_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(GinLogrusLogger(), GinLogrusRecovery())
	engine.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	engine.ServeHTTP(w, req)
	require.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
