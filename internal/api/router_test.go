package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/cache"
	"github.com/statlerhq/backplane/internal/database/testutil"
	"github.com/statlerhq/backplane/internal/middleware"
	"github.com/statlerhq/backplane/internal/services"
)

type apiFixture struct {
	router *gin.Engine
	users  *services.UserService
	cookie middleware.SessionCookieConfig
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store, err := cache.NewRedisStore(cache.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db := testutil.MustOpenTestDB(t)

	sessions, err := iauth.NewSessionManager(store, iauth.SessionConfig{})
	require.NoError(t, err)
	apiKeys, err := iauth.NewAPIKeyService(db, time.Now)
	require.NoError(t, err)
	users, err := services.NewUserService(db, sessions, apiKeys)
	require.NoError(t, err)
	authn, err := iauth.NewAuthenticator(sessions, apiKeys, users)
	require.NoError(t, err)

	cookie := middleware.DefaultSessionCookie()
	cookie.Secure = false

	router, err := NewRouter(Deps{
		Store:    store,
		Sessions: sessions,
		APIKeys:  apiKeys,
		Users:    users,
		Authn:    authn,
		Cookie:   cookie,
	})
	require.NoError(t, err)

	return &apiFixture{router: router, users: users, cookie: cookie}
}

func (fx *apiFixture) do(method, path string, body any, configure func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if configure != nil {
		configure(req)
	}
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("session cookie %q not set", name)
	return nil
}

func TestRegisterLoginMeLogoutFlow(t *testing.T) {
	fx := setupAPI(t)

	w := fx.do(http.MethodPost, "/api/auth/register", gin.H{
		"email":    "alice@example.com",
		"name":     "Alice",
		"password": "correct horse",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = fx.do(http.MethodPost, "/api/auth/login", gin.H{
		"email":    "alice@example.com",
		"password": "correct horse",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookie(t, w, fx.cookie.Name)
	require.NotEmpty(t, cookie.Value)
	require.True(t, cookie.HttpOnly)

	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "alice@example.com")

	w = fx.do(http.MethodPost, "/api/auth/logout", nil, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The revoked session no longer authenticates and the dead cookie is
	// cleared on the way out.
	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	cleared := sessionCookie(t, w, fx.cookie.Name)
	require.Empty(t, cleared.Value)
	require.Negative(t, cleared.MaxAge)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	fx := setupAPI(t)

	_, err := fx.users.Create(context.Background(), services.CreateUserInput{
		Email: "alice@example.com", Password: "correct horse",
	})
	require.NoError(t, err)

	w := fx.do(http.MethodPost, "/api/auth/login", gin.H{
		"email":    "alice@example.com",
		"password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "INVALID_CREDENTIALS")
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	fx := setupAPI(t)

	fx.do(http.MethodPost, "/api/auth/register", gin.H{
		"email": "alice@example.com", "password": "correct horse",
	}, nil)
	w := fx.do(http.MethodPost, "/api/auth/login", gin.H{
		"email": "alice@example.com", "password": "correct horse",
	}, nil)
	cookie := sessionCookie(t, w, fx.cookie.Name)

	// Mint a key with the session.
	w = fx.do(http.MethodPost, "/api/keys", gin.H{"name": "ci"}, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var createResp struct {
		Data struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &createResp))
	require.NotEmpty(t, createResp.Data.Key)

	// The key authenticates API requests.
	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+createResp.Data.Key)
	})
	require.Equal(t, http.StatusOK, w.Code)

	// But it cannot manage keys.
	w = fx.do(http.MethodGet, "/api/keys", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+createResp.Data.Key)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Listing with the session shows metadata only.
	w = fx.do(http.MethodGet, "/api/keys", nil, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), createResp.Data.Key)
	require.Contains(t, w.Body.String(), "fingerprint")

	// Revoke, then the key stops working.
	w = fx.do(http.MethodDelete, "/api/keys/"+createResp.Data.ID, nil, func(req *http.Request) {
		req.AddCookie(cookie)
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+createResp.Data.Key)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionManagementOverHTTP(t *testing.T) {
	fx := setupAPI(t)

	fx.do(http.MethodPost, "/api/auth/register", gin.H{
		"email": "alice@example.com", "password": "correct horse",
	}, nil)

	login := func() *http.Cookie {
		w := fx.do(http.MethodPost, "/api/auth/login", gin.H{
			"email": "alice@example.com", "password": "correct horse",
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		return sessionCookie(t, w, fx.cookie.Name)
	}

	laptop := login()
	phone := login()

	w := fx.do(http.MethodGet, "/api/sessions", nil, func(req *http.Request) {
		req.AddCookie(laptop)
	})
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Data []struct {
			TokenPrefix string `json:"token_prefix"`
			Current     bool   `json:"current"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Data, 2)

	// Exactly one entry is the caller's own session.
	currentCount := 0
	var otherPrefix string
	for _, s := range listResp.Data {
		if s.Current {
			currentCount++
		} else {
			otherPrefix = s.TokenPrefix
		}
	}
	require.Equal(t, 1, currentCount)
	require.NotEmpty(t, otherPrefix)

	// Revoke the phone session from the laptop.
	w = fx.do(http.MethodDelete, "/api/sessions/"+otherPrefix, nil, func(req *http.Request) {
		req.AddCookie(laptop)
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.AddCookie(phone)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// The laptop still works.
	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.AddCookie(laptop)
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Logout-all kills the rest.
	w = fx.do(http.MethodPost, "/api/auth/logout_all", nil, func(req *http.Request) {
		req.AddCookie(laptop)
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(http.MethodGet, "/api/auth/me", nil, func(req *http.Request) {
		req.AddCookie(laptop)
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	fx := setupAPI(t)

	_, err := fx.users.Create(context.Background(), services.CreateUserInput{
		Email: "admin@example.com", Password: "correct horse", Roles: []string{iauth.RoleAdmin},
	})
	require.NoError(t, err)
	_, err = fx.users.Create(context.Background(), services.CreateUserInput{
		Email: "user@example.com", Password: "correct horse",
	})
	require.NoError(t, err)

	login := func(email string) *http.Cookie {
		w := fx.do(http.MethodPost, "/api/auth/login", gin.H{
			"email": email, "password": "correct horse",
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		return sessionCookie(t, w, fx.cookie.Name)
	}

	adminCookie := login("admin@example.com")
	userCookie := login("user@example.com")

	w := fx.do(http.MethodGet, "/api/users", nil, func(req *http.Request) {
		req.AddCookie(userCookie)
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = fx.do(http.MethodGet, "/api/users", nil, func(req *http.Request) {
		req.AddCookie(adminCookie)
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user@example.com")
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	fx := setupAPI(t)

	w := fx.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")

	w = fx.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	fx := setupAPI(t)

	w := fx.do(http.MethodGet, "/api/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestRegistrationValidation(t *testing.T) {
	fx := setupAPI(t)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing email", gin.H{"password": "correct horse"}},
		{"bad email", gin.H{"email": "nope", "password": "correct horse"}},
		{"short password", gin.H{"email": "a@b.c", "password": "short"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := fx.do(http.MethodPost, "/api/auth/register", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code, fmt.Sprintf("body: %v", tc.body))
		})
	}
}
