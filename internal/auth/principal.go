package auth

import "github.com/statlerhq/backplane/internal/models"

// Principal is the uniform authenticated-identity value produced by either
// credential path. It is constructed once per request and passed down the
// call chain as an immutable value.
type Principal struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	IsActive bool     `json:"is_active"`
}

// PrincipalFromUser builds a Principal from a live user record.
func PrincipalFromUser(user *models.User) Principal {
	roles := make([]string, len(user.Roles))
	copy(roles, user.Roles)

	return Principal{
		ID:       user.ID,
		Email:    user.Email,
		Name:     user.Name,
		Roles:    roles,
		IsActive: user.IsActive,
	}
}

// HasRole reports whether the principal satisfies the required role under
// hierarchical expansion.
func (p Principal) HasRole(role string) bool {
	return Authorize(p.Roles, []string{role})
}
