package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/statlerhq/backplane/internal/middleware"
	"github.com/statlerhq/backplane/internal/services"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/response"
)

// UserHandler exposes admin-gated user management.
type UserHandler struct {
	users *services.UserService
}

// NewUserHandler constructs the user management endpoints.
func NewUserHandler(users *services.UserService) (*UserHandler, error) {
	if users == nil {
		return nil, errors.New("user handler: user service is required")
	}
	return &UserHandler{users: users}, nil
}

type adminCreateUserRequest struct {
	Email    string   `json:"email" validate:"required,email"`
	Name     string   `json:"name" validate:"max=128"`
	Password string   `json:"password" validate:"required,min=8,max=128"`
	Roles    []string `json:"roles"`
	IsActive *bool    `json:"is_active"`
}

type adminUpdateUserRequest struct {
	Name     *string  `json:"name" validate:"omitempty,max=128"`
	Password *string  `json:"password" validate:"omitempty,min=8,max=128"`
	Roles    []string `json:"roles"`
}

// List handles GET /api/users with pagination and filters.
func (h *UserHandler) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 25)

	opts := services.ListUsersOptions{
		Page:     page,
		PageSize: perPage,
		Query:    strings.TrimSpace(c.Query("q")),
	}
	switch c.Query("active") {
	case "true":
		active := true
		opts.IsActive = &active
	case "false":
		active := false
		opts.IsActive = &active
	}

	users, total, err := h.users.List(requestContext(c), opts)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, users, &response.Meta{
		Page:    page,
		PerPage: perPage,
		Total:   total,
	})
}

// Get handles GET /api/users/:id.
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.users.FindByID(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, user)
}

// Create handles POST /api/users.
func (h *UserHandler) Create(c *gin.Context) {
	var body adminCreateUserRequest
	if !bindAndValidate(c, &body) {
		return
	}

	user, err := h.users.Create(requestContext(c), services.CreateUserInput{
		Email:    body.Email,
		Name:     body.Name,
		Password: body.Password,
		Roles:    body.Roles,
		IsActive: body.IsActive,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, user)
}

// Update handles PATCH /api/users/:id.
func (h *UserHandler) Update(c *gin.Context) {
	var body adminUpdateUserRequest
	if !bindAndValidate(c, &body) {
		return
	}

	user, err := h.users.Update(requestContext(c), c.Param("id"), services.UpdateUserInput{
		Name:     body.Name,
		Password: body.Password,
		Roles:    body.Roles,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, user)
}

// SetActive handles POST /api/users/:id/activate and /deactivate. Disabling
// an account blocks authentication immediately but leaves sessions resident,
// so reactivation restores access without a fresh login.
func (h *UserHandler) SetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.users.SetActive(requestContext(c), c.Param("id"), active)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, user)
	}
}

// Delete handles DELETE /api/users/:id. Self-deletion is refused so an admin
// cannot lock everyone out by accident.
func (h *UserHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	if principal, ok := middleware.PrincipalFromContext(c); ok && principal.ID == id {
		response.Error(c, apperrors.NewBadRequest("cannot delete your own account"))
		return
	}

	if err := h.users.Delete(requestContext(c), id); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, gin.H{"deleted": id})
}
