package logging_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"circulation-backend/internal/platform/logging"
)

func Test_New_ByMode(t *testing.T) {
	for _, mode := range []string{"dev", "release"} {
		l, err := logging.New(mode)
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
}

func Test_Middleware_LogsWithRequestID(t *testing.T) {
	// arrange
	core, logs := observer.New(zapcore.InfoLevel)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(logging.Middleware(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	// act
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/ok", nil))
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(logging.RequestIDHeader, "given-id")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)

	// assert
	assert.NotEmpty(t, w1.Header().Get(logging.RequestIDHeader))
	assert.Equal(t, "given-id", w2.Header().Get(logging.RequestIDHeader))
	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "given-id", entries[1].ContextMap()["request_id"])
	assert.EqualValues(t, http.StatusNotFound, entries[1].ContextMap()["status"])
}
