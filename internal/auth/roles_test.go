package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	require.ElementsMatch(t, []string{"admin", "user", "guest"}, Expand(RoleAdmin))
	require.ElementsMatch(t, []string{"user", "guest"}, Expand(RoleUser))
	require.ElementsMatch(t, []string{"guest"}, Expand(RoleGuest))

	// Unknown roles satisfy only themselves; casing is normalized.
	require.Equal(t, []string{"auditor"}, Expand("  AUDITOR "))
	require.Nil(t, Expand(""))
}

func TestAuthorizeHierarchy(t *testing.T) {
	cases := []struct {
		name     string
		held     []string
		required []string
		want     bool
	}{
		{"admin satisfies user", []string{RoleAdmin}, []string{RoleUser}, true},
		{"admin satisfies guest", []string{RoleAdmin}, []string{RoleGuest}, true},
		{"user satisfies guest", []string{RoleUser}, []string{RoleGuest}, true},
		{"user does not satisfy admin", []string{RoleUser}, []string{RoleAdmin}, false},
		{"guest does not satisfy user", []string{RoleGuest}, []string{RoleUser}, false},
		{"any-of requirement", []string{RoleGuest}, []string{RoleAdmin, RoleGuest}, true},
		{"no roles held", nil, []string{RoleGuest}, false},
		{"no roles required", []string{RoleGuest}, nil, true},
		{"case insensitive", []string{"Admin"}, []string{"USER"}, true},
		{"unknown role literal match", []string{"auditor"}, []string{"auditor"}, true},
		{"unknown role no expansion", []string{"auditor"}, []string{RoleGuest}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Authorize(tc.held, tc.required))
		})
	}
}

func TestAuthorizeExact(t *testing.T) {
	require.True(t, Authorize([]string{RoleAdmin}, []string{RoleUser}))
	require.False(t, Authorize([]string{RoleAdmin}, []string{RoleUser}, AuthorizeOptions{Exact: true}))
	require.True(t, Authorize([]string{RoleUser}, []string{RoleUser}, AuthorizeOptions{Exact: true}))
}

func TestPrincipalHasRole(t *testing.T) {
	p := Principal{Roles: []string{RoleAdmin}}
	require.True(t, p.HasRole(RoleUser))
	require.False(t, Principal{Roles: []string{RoleGuest}}.HasRole(RoleUser))
}
