package apidocs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RegisterRoutes_ServesDocument(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		BasePath string                    `json:"basePath"`
		Paths    map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "/api", got.BasePath)
	assert.Contains(t, got.Paths, "/books/borrow")
	assert.Contains(t, got.Paths["/transactions/approve"], "post")
	assert.Contains(t, got.Paths["/logout"], "post")
}

func Test_Document_IsValidJSON(t *testing.T) {
	assert.True(t, json.Valid([]byte(doc)))
}
