package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/middleware"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/response"
)

// SessionHandler exposes multi-device session management to the session owner.
type SessionHandler struct {
	sessions *iauth.SessionManager
	cookie   middleware.SessionCookieConfig
}

// NewSessionHandler constructs the session management endpoints.
func NewSessionHandler(sessions *iauth.SessionManager, cookie middleware.SessionCookieConfig) (*SessionHandler, error) {
	if sessions == nil {
		return nil, errors.New("session handler: session manager is required")
	}
	return &SessionHandler{sessions: sessions, cookie: cookie}, nil
}

// sessionView is the client-facing session shape. The raw token never leaves
// the server; sessions are identified by their loggable prefix.
type sessionView struct {
	TokenPrefix string `json:"token_prefix"`
	Current     bool   `json:"current"`
	CreatedAt   int64  `json:"created_at"`
	LastUsedAt  int64  `json:"last_used_at"`
	ExpiresAt   int64  `json:"expires_at"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// List handles GET /api/sessions: every live session for the principal,
// most recently used first.
func (h *SessionHandler) List(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	current, _ := middleware.SessionTokenFromContext(c)

	records, err := h.sessions.ListForUser(requestContext(c), principal.ID)
	if err != nil {
		response.Error(c, apperrors.ErrStoreUnavailable)
		return
	}

	views := make([]sessionView, len(records))
	for i, record := range records {
		views[i] = sessionView{
			TokenPrefix: iauth.TokenPrefix(record.Token),
			Current:     record.Token == current,
			CreatedAt:   record.CreatedAt,
			LastUsedAt:  record.LastUsedAt,
			ExpiresAt:   record.ExpiresAt,
			IP:          record.IP,
			UserAgent:   record.UserAgent,
		}
	}

	response.OK(c, views)
}

// Revoke handles DELETE /api/sessions/:prefix: revokes one of the
// principal's sessions identified by token prefix.
func (h *SessionHandler) Revoke(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	prefix := c.Param("prefix")
	if prefix == "" {
		response.Error(c, apperrors.NewBadRequest("session prefix is required"))
		return
	}

	ctx := requestContext(c)

	records, err := h.sessions.ListForUser(ctx, principal.ID)
	if err != nil {
		response.Error(c, apperrors.ErrStoreUnavailable)
		return
	}

	for _, record := range records {
		if iauth.TokenPrefix(record.Token) != prefix {
			continue
		}

		if err := h.sessions.Delete(ctx, record.Token); err != nil {
			response.Error(c, apperrors.ErrStoreUnavailable)
			return
		}

		if current, ok := middleware.SessionTokenFromContext(c); ok && current == record.Token {
			middleware.ClearSessionCookie(c, h.cookie)
		}

		response.OK(c, gin.H{"revoked": prefix})
		return
	}

	response.Error(c, apperrors.ErrNotFound)
}

// RevokeAll handles DELETE /api/sessions: revokes every session the
// principal holds.
func (h *SessionHandler) RevokeAll(c *gin.Context) {
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
