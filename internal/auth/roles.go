package auth

import "strings"

// Role names understood by the authorizer. Roles form a fixed hierarchy:
// admin covers user and guest, user covers guest.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

var roleHierarchy = map[string][]string{
	RoleAdmin: {RoleAdmin, RoleUser, RoleGuest},
	RoleUser:  {RoleUser, RoleGuest},
	RoleGuest: {RoleGuest},
}

// NormalizeRole lower-cases and trims a role name.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// Expand returns the set of roles a given role satisfies under the hierarchy.
// Unknown roles only satisfy themselves.
func Expand(role string) []string {
	normalized := NormalizeRole(role)
	if expansion, ok := roleHierarchy[normalized]; ok {
		out := make([]string, len(expansion))
		copy(out, expansion)
		return out
	}
	if normalized == "" {
		return nil
	}
	return []string{normalized}
}

// AuthorizeOptions tunes role matching.
type AuthorizeOptions struct {
	// Exact disables hierarchical expansion and requires a literal role match.
	Exact bool
}

// Authorize reports whether any of the held roles satisfies any of the
// required roles. With hierarchical expansion (the default) a higher role
// implicitly satisfies checks for lower roles. This is a pure function over
// the two sets.
func Authorize(held, required []string, opts ...AuthorizeOptions) bool {
	if len(required) == 0 {
		return true
	}

	var options AuthorizeOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	want := make(map[string]struct{}, len(required))
	for _, role := range required {
		if normalized := NormalizeRole(role); normalized != "" {
			want[normalized] = struct{}{}
		}
	}
	if len(want) == 0 {
		return true
	}

	for _, role := range held {
		if options.Exact {
			if _, ok := want[NormalizeRole(role)]; ok {
				return true
			}
			continue
		}
		for _, satisfied := range Expand(role) {
			if _, ok := want[satisfied]; ok {
				return true
			}
		}
	}

	return false
}
