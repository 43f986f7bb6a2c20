package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"circulation-backend/internal/platform/auth"
)

var secret = []byte("test-secret")

func newService(t *testing.T) *auth.Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	store := auth.NewMemoryStore()
	require.NoError(t, auth.Seed(context.Background(), store, []auth.Account{
		{ID: "alice", PasswordHash: string(hash), Role: auth.RoleStudent},
		{ID: "root", PasswordHash: string(hash), Role: auth.RoleAdmin},
		{ID: "gone", PasswordHash: string(hash), Role: auth.RoleStudent, IsDisabled: true},
	}))
	return auth.NewService(store, secret, time.Hour)
}

func Test_Login_IssuesVerifiableToken(t *testing.T) {
	svc := newService(t)

	token, err := svc.Login(context.Background(), "root", "pw")

	require.NoError(t, err)
	claims, err := auth.ParseBearer(secret, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, auth.Claims{UserID: "root", Role: auth.RoleAdmin}, claims)
}

func Test_Login_Rejects(t *testing.T) {
	svc := newService(t)

	_, err := svc.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, auth.ErrAuthFailed)

	_, err = svc.Login(context.Background(), "nobody", "pw")
	assert.ErrorIs(t, err, auth.ErrAuthFailed)

	_, err = svc.Login(context.Background(), "gone", "pw")
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)
}

func Test_ParseBearer_RejectsForeignAndMalformedTokens(t *testing.T) {
	other := auth.NewService(auth.NewMemoryStore(), []byte("other"), time.Hour)
	foreign, err := other.Issue("alice", auth.RoleAdmin)
	require.NoError(t, err)

	for _, h := range []string{"Bearer " + foreign, "Basic abc", "Bearer ", "token"} {
		_, err := auth.ParseBearer(secret, h)
		assert.ErrorIs(t, err, auth.ErrInvalidToken, h)
	}
	_, err = auth.ParseBearer(secret, "")
	assert.ErrorIs(t, err, auth.ErrMissingToken)
}

func newRouter(svc *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	auth.RegisterRoutes(r, svc)
	admin := r.Group("/admin", auth.RequireAuth(secret), auth.RequireRole(auth.RoleAdmin))
	admin.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": auth.FromContext(c).UserID})
	})
	return r
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func Test_Routes_LoginSessionAndRoles(t *testing.T) {
	// arrange
	svc := newService(t)
	r := newRouter(svc)

	// act
	login := do(r, http.MethodPost, "/login", "", `{"id":"alice","password":"pw"}`)
	var body struct{ Token string }
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &body))
	session := do(r, http.MethodGet, "/session", body.Token, "")
	anonymous := do(r, http.MethodGet, "/session", "", "")
	student := do(r, http.MethodGet, "/admin/ping", body.Token, "")
	missing := do(r, http.MethodGet, "/admin/ping", "", "")
	adminToken, err := svc.Issue("root", auth.RoleAdmin)
	require.NoError(t, err)
	admin := do(r, http.MethodGet, "/admin/ping", adminToken, "")
	badLogin := do(r, http.MethodPost, "/login", "", `{"id":"alice","password":"nope"}`)

	// assert
	assert.Equal(t, http.StatusOK, login.Code)
	assert.JSONEq(t, `{"logged_in":true,"user_id":"alice","role":"student"}`, session.Body.String())
	assert.JSONEq(t, `{"logged_in":false}`, anonymous.Body.String())
	assert.Equal(t, http.StatusForbidden, student.Code)
	assert.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, http.StatusOK, admin.Code)
	assert.JSONEq(t, `{"user":"root"}`, admin.Body.String())
	assert.Equal(t, http.StatusUnauthorized, badLogin.Code)
}

func Test_Routes_LogoutAlwaysSucceeds(t *testing.T) {
	// arrange
	svc := newService(t)
	r := newRouter(svc)
	token, err := svc.Issue("alice", auth.RoleStudent)
	require.NoError(t, err)

	// act
	withToken := do(r, http.MethodPost, "/logout", token, "")
	anonymous := do(r, http.MethodPost, "/logout", "", "")

	// assert
	assert.Equal(t, http.StatusOK, withToken.Code)
	assert.JSONEq(t, `{"message":"Logout successful"}`, withToken.Body.String())
	assert.Equal(t, http.StatusOK, anonymous.Code)
}
