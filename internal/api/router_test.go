package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/zonegate/zonegate/internal/app"
	iauth "github.com/zonegate/zonegate/internal/auth"
	"github.com/zonegate/zonegate/internal/codestore"
	"github.com/zonegate/zonegate/internal/database/testutil"
	"github.com/zonegate/zonegate/internal/middleware"
	"github.com/zonegate/zonegate/internal/services"
	"github.com/zonegate/zonegate/pkg/response"
)

func newTestRouter(t *testing.T) (*gin.Engine, *iauth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate(), testutil.WithSeedData())

	jwt, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: "router-test-secret",
		Issuer: "zonegate",
	})
	require.NoError(t, err)

	store, err := codestore.NewDatabaseStore(db)
	require.NoError(t, err)
	directory, err := services.NewGormDirectory(db)
	require.NoError(t, err)
	zones, err := services.NewZoneService(db, "http://login.example.com")
	require.NoError(t, err)
	invites, err := services.NewInvitationService(store, directory, zones)
	require.NoError(t, err)

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)

	limiter := middleware.NewRateLimiter(1000, time.Minute)
	t.Cleanup(limiter.Stop)

	r, err := NewRouter(db, jwt, cfg, invites, zones, limiter)
	require.NoError(t, err)
	return r, jwt
}

func TestRouterHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterUnknownRoute(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterInviteFlowWithClientAuth(t *testing.T) {
	r, jwt := newTestRouter(t)

	body, err := json.Marshal(gin.H{
		"emails":       []string{"alice@corp.example.com"},
		"redirect_uri": "http://login.example.com/welcome",
	})
	require.NoError(t, err)

	// Without a bearer token the endpoint is closed.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invite_users", bytes.NewReader(body))
	req.Host = "login.example.com"
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{ClientID: "admin-console"})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/invite_users", bytes.NewReader(body))
	req.Host = "login.example.com"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var payload response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.True(t, payload.Success)

	data := payload.Data.(map[string]any)
	sent := data["new_invites"].([]any)[0].(map[string]any)
	link, err := url.Parse(sent["invite_link"].(string))
	require.NoError(t, err)
	code := link.Query().Get("code")
	require.NotEmpty(t, code)

	// Acceptance is public.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/invitations/accept?code="+url.QueryEscape(code), nil)
	req.Host = "login.example.com"
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouterZoneRoutesRequireAuth(t *testing.T) {
	r, jwt := newTestRouter(t)

	body := []byte(`{"subdomain":"acme"}`)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/zones", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwt.GenerateAccessToken(iauth.AccessTokenInput{ClientID: "admin-console"})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/zones", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestRouterExpiredClientToken(t *testing.T) {
	r, _ := newTestRouter(t)

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	expiredIssuer, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "router-test-secret",
		Issuer:         "zonegate",
		AccessTokenTTL: time.Minute,
		Clock:          func() time.Time { return past },
	})
	require.NoError(t, err)

	token, err := expiredIssuer.GenerateAccessToken(iauth.AccessTokenInput{ClientID: "admin-console"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invite_users", bytes.NewReader([]byte(`{"emails":["a@b.example.com"]}`)))
	req.Host = "login.example.com"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
