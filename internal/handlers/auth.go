package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/middleware"
	"github.com/statlerhq/backplane/internal/services"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/logger"
	"github.com/statlerhq/backplane/pkg/response"
)

// AuthHandler owns registration, login, logout, and identity introspection.
type AuthHandler struct {
	users    *services.UserService
	sessions *iauth.SessionManager
	cookie   middleware.SessionCookieConfig
	log      *zap.Logger
}

// NewAuthHandler wires the auth endpoints to the user and session services.
func NewAuthHandler(users *services.UserService, sessions *iauth.SessionManager, cookie middleware.SessionCookieConfig) (*AuthHandler, error) {
	if users == nil {
		return nil, errors.New("auth handler: user service is required")
	}
	if sessions == nil {
		return nil, errors.New("auth handler: session manager is required")
	}

	return &AuthHandler{
		users:    users,
		sessions: sessions,
		cookie:   cookie,
		log:      logger.WithModule("auth_handler"),
	}, nil
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=128"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var body registerRequest
	if !bindAndValidate(c, &body) {
		return
	}

	user, err := h.users.Create(requestContext(c), services.CreateUserInput{
		Email:    body.Email,
		Name:     body.Name,
		Password: body.Password,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, user)
}

// Login handles POST /api/auth/login: verifies credentials, issues a session,
// and sets the session cookie.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if !bindAndValidate(c, &body) {
		return
	}

	ctx := requestContext(c)

	user, err := h.users.Authenticate(ctx, body.Email, body.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	token, err := h.sessions.Create(ctx, user.ID, user.Roles, iauth.SessionMetadata{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.log.Error("session issue failed", zap.String("user_id", user.ID), zap.Error(err))
		response.Error(c, apperrors.ErrStoreUnavailable)
		return
	}

	h.users.UpdateLastLogin(ctx, user.ID, c.ClientIP())

	middleware.SetSessionCookie(c, h.cookie, token)
	response.OK(c, gin.H{"user": user})
}

// Logout handles POST /api/auth/logout: revokes the current session and
// clears the cookie. Idempotent.
func (h *AuthHandler) Logout(c *gin.Context) {
	if token, ok := middleware.SessionTokenFromContext(c); ok {
		if err := h.sessions.Delete(requestContext(c), token); err != nil {
			response.Error(c, apperrors.ErrStoreUnavailable)
			return
		}
	}

	middleware.ClearSessionCookie(c, h.cookie)
	response.Success(c, http.StatusOK, gin.H{"status": "logged out"})
}

// LogoutAll handles POST /api/auth/logout_all: revokes every session the
// principal holds, including the current one.
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	count, err := h.sessions.DeleteAllForUser(requestContext(c), principal.ID)
	if err != nil {
		response.Error(c, apperrors.ErrStoreUnavailable)
		return
	}

	middleware.ClearSessionCookie(c, h.cookie)
	response.OK(c, gin.H{"revoked": count})
}

// Me handles GET /api/auth/me: returns the authenticated principal.
func (h *AuthHandler) Me(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	response.OK(c, principal)
}
