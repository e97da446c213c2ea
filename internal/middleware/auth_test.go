package middleware_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyarena-server/internal/middleware"
	"github.com/copyarena-server/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuthenticator struct {
	userID   uint
	username string
	err      error
}

func (f *fakeAuthenticator) Authenticate(tokenString string) (uint, string, error) {
	if f.err != nil {
		return 0, "", f.err
	}
	return f.userID, f.username, nil
}

type fakeResolver struct {
	accountID uint
	err       error
}

func (f *fakeResolver) ResolveAPIKey(apiKey string) (uint, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.accountID, nil
}

func authRouter(auth middleware.TokenAuthenticator) *gin.Engine {
	r := gin.New()
	r.GET("/protected", middleware.AuthMiddleware(auth), func(c *gin.Context) {
		response.Success(c, gin.H{
			"user_id":  middleware.GetUserID(c),
			"username": middleware.GetUsername(c),
		})
	})
	return r
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	r := authRouter(&fakeAuthenticator{userID: 7, username: "alice"})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer some.jwt.token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Code)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(7), data["user_id"])
	assert.Equal(t, "alice", data["username"])
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	r := authRouter(&fakeAuthenticator{userID: 7, username: "alice"})

	req := httptest.NewRequest(http.MethodGet, "/protected?token=some.jwt.token", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	r := authRouter(&fakeAuthenticator{userID: 7})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, -1001, body.Code)
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	r := authRouter(&fakeAuthenticator{userID: 7})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	r := authRouter(&fakeAuthenticator{err: errors.New("expired")})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer expired.jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBridgeAuthResolvesAccount(t *testing.T) {
	r := gin.New()
	r.POST("/sync", middleware.BridgeAuthMiddleware(&fakeResolver{accountID: 42}), func(c *gin.Context) {
		response.Success(c, gin.H{"account_id": middleware.GetUserID(c)})
	})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("Authorization", "Bearer bridge-api-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(42), data["account_id"])
}

func TestBridgeAuthRejectsUnknownKey(t *testing.T) {
	r := gin.New()
	r.POST("/sync", middleware.BridgeAuthMiddleware(&fakeResolver{err: errors.New("no such key")}), func(c *gin.Context) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
