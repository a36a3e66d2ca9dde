package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/middleware"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/response"
)

// APIKeyHandler exposes key lifecycle management. Every route is mounted
// behind RequireSession: an API key can never manage API keys.
type APIKeyHandler struct {
	keys *iauth.APIKeyService
}

// NewAPIKeyHandler constructs the API-key endpoints.
func NewAPIKeyHandler(keys *iauth.APIKeyService) (*APIKeyHandler, error) {
	if keys == nil {
		return nil, errors.New("apikey handler: key service is required")
	}
	return &APIKeyHandler{keys: keys}, nil
}

type createKeyRequest struct {
	Name      string     `json:"name" validate:"required,min=1,max=128"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Create handles POST /api/keys. The response carries the plaintext exactly
// once; it is unrecoverable afterwards.
func (h *APIKeyHandler) Create(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	var body createKeyRequest
	if !bindAndValidate(c, &body) {
		return
	}

	if body.ExpiresAt != nil && !body.ExpiresAt.After(time.Now()) {
		response.Error(c, apperrors.NewBadRequest("expires_at must be in the future"))
		return
	}

	created, err := h.keys.Create(requestContext(c), principal.ID, body.Name, body.ExpiresAt)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, gin.H{
		"id":         created.Key.ID,
		"name":       created.Key.Name,
		"key":        created.Plaintext,
		"expires_at": created.Key.ExpiresAt,
	})
}

// List handles GET /api/keys: metadata only, never key material.
func (h *APIKeyHandler) List(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	summaries, err := h.keys.ListForUser(requestContext(c), principal.ID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.OK(c, summaries)
}

// Delete handles DELETE /api/keys/:id for a key the principal owns.
func (h *APIKeyHandler) Delete(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	if err := h.keys.Delete(requestContext(c), c.Param("id"), principal.ID); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, gin.H{"deleted": c.Param("id")})
}

// DeleteAll handles DELETE /api/keys.
func (h *APIKeyHandler) DeleteAll(c *gin.Context) {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		response.Error(c, apperrors.ErrAuthRequired)
		return
	}

	count, err := h.keys.DeleteAllForUser(requestContext(c), principal.ID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.OK(c, gin.H{"deleted": count})
}
