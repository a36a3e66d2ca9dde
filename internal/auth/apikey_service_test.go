package auth

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/statlerhq/backplane/internal/database/testutil"
	"github.com/statlerhq/backplane/internal/models"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
)

func setupAPIKeyService(t *testing.T) (*APIKeyService, *gorm.DB, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Unix(1_700_000_000, 0).UTC()}

	svc, err := NewAPIKeyService(db, clock.Now)
	require.NoError(t, err)

	return svc, db, clock
}

func createTestUser(t *testing.T, db *gorm.DB, email string, active bool) *models.User {
	t.Helper()

	user := &models.User{
		Email:        email,
		Name:         "Test User",
		PasswordHash: "x",
		Roles:        []string{RoleUser},
		IsActive:     active,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestAPIKeyCreateFormat(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "jane.doe+ops@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "ci token", nil)
	require.NoError(t, err)

	// local-part "jane.doe+ops" stripped to alphabetics: "janedoeops"
	require.True(t, strings.HasPrefix(created.Plaintext, "janedoeops_"))
	require.Regexp(t, regexp.MustCompile(`^[a-z]{1,12}_[0-9a-f]{128}$`), created.Plaintext)
	require.Len(t, created.Key.KeyHash, 64)
	require.NotContains(t, created.Key.KeyHash, created.Plaintext)
}

func TestAPIKeyCreatePrefixTruncation(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "extraordinarily.long@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "k", nil)
	require.NoError(t, err)

	prefix := created.Plaintext[:strings.IndexByte(created.Plaintext, '_')]
	require.Len(t, prefix, 12)
	require.Equal(t, "extraordinar", prefix)
}

func TestAPIKeyCreateNoUsablePrefix(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "12345@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "k", nil)
	require.NoError(t, err)

	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{128}$`), created.Plaintext)
}

func TestAPIKeyCreateRejectsMissingAndDisabledUsers(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)

	_, err := svc.Create(context.Background(), "11111111-1111-1111-1111-111111111111", "k", nil)
	require.ErrorIs(t, err, apperrors.ErrUserNotFound)

	disabled := createTestUser(t, db, "off@example.com", false)
	_, err = svc.Create(context.Background(), disabled.ID, "k", nil)
	require.ErrorIs(t, err, apperrors.ErrAccountDisabled)
}

func TestAPIKeyValidateRoundTrip(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "laptop", nil)
	require.NoError(t, err)

	principal, key, err := svc.Validate(context.Background(), created.Plaintext)
	require.NoError(t, err)
	require.NotNil(t, principal)
	require.Equal(t, user.ID, principal.ID)
	require.Equal(t, user.Email, principal.Email)
	require.Equal(t, created.Key.ID, key.ID)
}

func TestAPIKeyValidateRejectsMutations(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "laptop", nil)
	require.NoError(t, err)

	// Flip a single hex character in the body.
	mutated := []byte(created.Plaintext)
	last := len(mutated) - 1
	if mutated[last] == '0' {
		mutated[last] = '1'
	} else {
		mutated[last] = '0'
	}

	principal, key, err := svc.Validate(context.Background(), string(mutated))
	require.NoError(t, err)
	require.Nil(t, principal)
	require.Nil(t, key)
}

func TestAPIKeyValidateRejectsMalformedInput(t *testing.T) {
	svc, _, _ := setupAPIKeyService(t)

	for _, input := range []string{
		"",
		"not-a-key",
		strings.Repeat("g", 128),                    // non-hex body
		strings.Repeat("a", 127),                    // too short
		strings.Repeat("a", 129),                    // too long
		"UPPER_" + strings.Repeat("a", 128),         // uppercase prefix
		"waytoolongprefix_" + strings.Repeat("a", 128), // prefix over 12 chars
	} {
		principal, key, err := svc.Validate(context.Background(), input)
		require.NoError(t, err, input)
		require.Nil(t, principal, input)
		require.Nil(t, key, input)
	}
}

func TestAPIKeyValidateRejectsExpired(t *testing.T) {
	svc, db, clock := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)

	expiry := clock.Now().Add(time.Hour)
	created, err := svc.Create(context.Background(), user.ID, "short lived", &expiry)
	require.NoError(t, err)

	principal, _, err := svc.Validate(context.Background(), created.Plaintext)
	require.NoError(t, err)
	require.NotNil(t, principal)

	clock.Advance(time.Hour)

	principal, key, err := svc.Validate(context.Background(), created.Plaintext)
	require.NoError(t, err)
	require.Nil(t, principal)
	require.Nil(t, key)
}

func TestAPIKeyValidateRejectsInactiveOwner(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "laptop", nil)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)

	principal, key, err := svc.Validate(context.Background(), created.Plaintext)
	require.NoError(t, err)
	require.Nil(t, principal)
	require.Nil(t, key)
}

func TestAPIKeyUpdateLastUsed(t *testing.T) {
	svc, db, clock := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "laptop", nil)
	require.NoError(t, err)
	require.Nil(t, created.Key.LastUsedAt)

	clock.Advance(5 * time.Minute)
	svc.UpdateLastUsed(created.Key.ID)

	var stored models.APIKey
	require.NoError(t, db.Take(&stored, "id = ?", created.Key.ID).Error)
	require.NotNil(t, stored.LastUsedAt)
	require.Equal(t, clock.Now().Unix(), stored.LastUsedAt.Unix())
}

func TestAPIKeyListForUser(t *testing.T) {
	svc, db, clock := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)
	other := createTestUser(t, db, "bob@example.com", true)

	first, err := svc.Create(context.Background(), user.ID, "first", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := svc.Create(context.Background(), user.ID, "second", nil)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), other.ID, "not mine", nil)
	require.NoError(t, err)

	summaries, err := svc.ListForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Newest first.
	require.Equal(t, second.Key.ID, summaries[0].ID)
	require.Equal(t, first.Key.ID, summaries[1].ID)

	// Fingerprint is the hash tail, never the plaintext.
	require.Len(t, summaries[0].Fingerprint, 6)
	require.Equal(t, second.Key.KeyHash[58:], summaries[0].Fingerprint)
}

func TestAPIKeyDeleteEnforcesOwnership(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)
	other := createTestUser(t, db, "bob@example.com", true)

	created, err := svc.Create(context.Background(), user.ID, "laptop", nil)
	require.NoError(t, err)

	err = svc.Delete(context.Background(), created.Key.ID, other.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, svc.Delete(context.Background(), created.Key.ID, user.ID))

	err = svc.Delete(context.Background(), created.Key.ID, user.ID)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAPIKeyDeleteAllForUser(t *testing.T) {
	svc, db, _ := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)
	other := createTestUser(t, db, "bob@example.com", true)

	for i := 0; i < 3; i++ {
		_, err := svc.Create(context.Background(), user.ID, "k", nil)
		require.NoError(t, err)
	}
	kept, err := svc.Create(context.Background(), other.ID, "kept", nil)
	require.NoError(t, err)

	count, err := svc.DeleteAllForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	principal, _, err := svc.Validate(context.Background(), kept.Plaintext)
	require.NoError(t, err)
	require.NotNil(t, principal)
}

func TestAPIKeyCleanupExpired(t *testing.T) {
	svc, db, clock := setupAPIKeyService(t)
	user := createTestUser(t, db, "alice@example.com", true)

	soon := clock.Now().Add(time.Minute)
	_, err := svc.Create(context.Background(), user.ID, "expiring", &soon)
	require.NoError(t, err)
	forever, err := svc.Create(context.Background(), user.ID, "forever", nil)
	require.NoError(t, err)

	require.EqualValues(t, 0, svc.CleanupExpired(context.Background()))

	clock.Advance(2 * time.Minute)
	require.EqualValues(t, 1, svc.CleanupExpired(context.Background()))

	summaries, err := svc.ListForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, forever.Key.ID, summaries[0].ID)
}
