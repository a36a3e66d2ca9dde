package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/statlerhq/backplane/internal/auth"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/response"
)

const (
	CtxPrincipalKey    = "authPrincipal"
	CtxSessionKey      = "authSession"
	CtxSessionTokenKey = "authSessionToken"
	CtxAPIKeyIDKey     = "authAPIKeyID"

	// DefaultSessionCookieName is the cookie carrying the opaque session token.
	DefaultSessionCookieName = "backplane_session"
)

// SessionCookieConfig describes how the session cookie is issued and cleared.
// The value is always an opaque random identifier and the cookie is always
// httpOnly.
type SessionCookieConfig struct {
	Name     string
	Path     string
	Domain   string
	MaxAge   int
	Secure   bool
	SameSite http.SameSite
}

// DefaultSessionCookie returns the cookie settings used when config is absent.
func DefaultSessionCookie() SessionCookieConfig {
	return SessionCookieConfig{
		Name:     DefaultSessionCookieName,
		Path:     "/",
		MaxAge:   int(iauth.DefaultSessionTTL.Seconds()),
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (cfg SessionCookieConfig) name() string {
	if cfg.Name == "" {
		return DefaultSessionCookieName
	}
	return cfg.Name
}

func (cfg SessionCookieConfig) path() string {
	if cfg.Path == "" {
		return "/"
	}
	return cfg.Path
}

// SetSessionCookie writes the session token cookie on the response.
func SetSessionCookie(c *gin.Context, cfg SessionCookieConfig, token string) {
	c.SetSameSite(cfg.SameSite)
	c.SetCookie(cfg.name(), token, cfg.MaxAge, cfg.path(), cfg.Domain, cfg.Secure, true)
}

// ClearSessionCookie expires the session cookie on the response.
func ClearSessionCookie(c *gin.Context, cfg SessionCookieConfig) {
	c.SetSameSite(cfg.SameSite)
	c.SetCookie(cfg.name(), "", -1, cfg.path(), cfg.Domain, cfg.Secure, true)
}

// extractCredential resolves the request credential. A bearer Authorization
// header always wins and is exclusive: when present, the session cookie is
// never consulted, even if the bearer value is garbage.
func extractCredential(c *gin.Context, cookieName string) iauth.Credential {
	if authz := c.GetHeader("Authorization"); len(authz) >= 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return iauth.APIKeyCredential(strings.TrimSpace(authz[7:]))
	}

	if token, err := c.Cookie(cookieName); err == nil && token != "" {
		return iauth.SessionCredential(token)
	}

	return iauth.NoCredential()
}

// RequireAuth authenticates the request via API key or session cookie and
// attaches the result to the gin context. Invalid session cookies are cleared
// so clients stop replaying them.
func RequireAuth(authn *iauth.Authenticator, cookie SessionCookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := extractCredential(c, cookie.name())

		result, err := authn.Authenticate(c.Request.Context(), cred)
		if err != nil {
			if cred.IsSession() && apperrors.FromError(err).Code == apperrors.ErrInvalidToken.Code {
				ClearSessionCookie(c, cookie)
			}
			if apperrors.FromError(err).StatusCode == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", "Bearer")
			}
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(CtxPrincipalKey, result.Principal)
		if result.Session != nil {
			c.Set(CtxSessionKey, result.Session)
			c.Set(CtxSessionTokenKey, result.Session.Token)
		}
		if result.APIKey != nil {
			c.Set(CtxAPIKeyIDKey, result.APIKey.ID)
		}

		c.Next()
	}
}

// RequireSession is RequireAuth restricted to the session-cookie path. API
// keys are rejected outright; key management in particular must never be
// reachable with a key.
func RequireSession(authn *iauth.Authenticator, cookie SessionCookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := extractCredential(c, cookie.name())
		if !cred.IsSession() {
			response.Error(c, apperrors.ErrAuthRequired)
			c.Abort()
			return
		}

		result, err := authn.Authenticate(c.Request.Context(), cred)
		if err != nil {
			if apperrors.FromError(err).Code == apperrors.ErrInvalidToken.Code {
				ClearSessionCookie(c, cookie)
			}
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(CtxPrincipalKey, result.Principal)
		c.Set(CtxSessionKey, result.Session)
		c.Set(CtxSessionTokenKey, result.Session.Token)

		c.Next()
	}
}

// PrincipalFromContext returns the authenticated principal attached by
// RequireAuth or RequireSession.
func PrincipalFromContext(c *gin.Context) (iauth.Principal, bool) {
	v, ok := c.Get(CtxPrincipalKey)
	if !ok {
		return iauth.Principal{}, false
	}
	principal, ok := v.(iauth.Principal)
	return principal, ok
}

// SessionTokenFromContext returns the raw session token for the request, if
// the session path authenticated it.
func SessionTokenFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(CtxSessionTokenKey)
	if !ok {
		return "", false
	}
	token, ok := v.(string)
	return token, ok && token != ""
}
