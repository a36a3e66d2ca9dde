package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/statlerhq/backplane/internal/models"
	"github.com/statlerhq/backplane/pkg/crypto"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/logger"
)

const (
	apiKeyBodyBytes    = 64 // 512 bits of randomness, rendered as 128 hex chars
	apiKeyPrefixMaxLen = 12
	fingerprintLength  = 6
)

// apiKeyPattern is the documented wire format: an optional lowercase
// alphabetic prefix followed by exactly 128 lowercase hex characters. The
// prefix is cosmetic; the hex body carries all the entropy.
var apiKeyPattern = regexp.MustCompile(`^([a-z]{1,12}_)?[0-9a-f]{128}$`)

// APIKeySummary is the metadata shape exposed to key owners. Neither the
// plaintext nor the full hash ever leaves the service after creation.
type APIKeySummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// CreatedAPIKey couples a persisted key record with its plaintext. The
// plaintext is returned exactly once and is unrecoverable thereafter.
type CreatedAPIKey struct {
	Key       *models.APIKey
	Plaintext string
}

// APIKeyService owns API-key generation, hashed storage, constant-time
// validation, metadata listing, and expiry-based cleanup.
type APIKeyService struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

// NewAPIKeyService constructs an API-key service backed by the relational store.
func NewAPIKeyService(db *gorm.DB, clock func() time.Time) (*APIKeyService, error) {
	if db == nil {
		return nil, errors.New("apikey service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}

	return &APIKeyService{
		db:  db,
		now: clock,
		log: logger.WithModule("apikey"),
	}, nil
}

// Create mints a new API key for the user. Only a session-authenticated
// caller may reach this path; route wiring enforces that an existing key can
// never mint further keys.
func (s *APIKeyService) Create(ctx context.Context, userID, name string, expiresAt *time.Time) (*CreatedAPIKey, error) {
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apikey service: load user: %w", err)
	}
	if !user.IsActive {
		return nil, apperrors.ErrAccountDisabled
	}

	body, err := crypto.GenerateHexToken(apiKeyBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("apikey service: generate key: %w", err)
	}

	plaintext := body
	if prefix := deriveKeyPrefix(user.Email); prefix != "" {
		plaintext = prefix + "_" + body
	}

	key := &models.APIKey{
		UserID:    user.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   crypto.HashSHA256(plaintext),
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	}

	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, fmt.Errorf("apikey service: create key: %w", err)
	}

	s.log.Info("api key created",
		zap.String("user_id", user.ID),
		zap.String("key_id", key.ID),
		zap.String("fingerprint", crypto.Fingerprint(key.KeyHash, fingerprintLength)),
	)

	return &CreatedAPIKey{Key: key, Plaintext: plaintext}, nil
}

// Validate checks a presented plaintext key and returns the owning principal,
// or nil when the key is unacceptable for any reason. Failure causes are
// deliberately not distinguished to resist key enumeration.
func (s *APIKeyService) Validate(ctx context.Context, plaintext string) (*Principal, *models.APIKey, error) {
	// Cheap format check before touching the store.
	if !apiKeyPattern.MatchString(plaintext) {
		return nil, nil, nil
	}

	hash := crypto.HashSHA256(plaintext)

	var key models.APIKey
	err := s.db.WithContext(ctx).
		Preload("User").
		Take(&key, "key_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("apikey service: lookup key: %w", err)
	}

	// The lookup is already exact-match; the constant-time comparison guards
	// any future non-indexed path against timing side-channels.
	if !crypto.ConstantTimeEquals(hash, key.KeyHash) {
		return nil, nil, nil
	}

	if key.ExpiresAt != nil && !key.ExpiresAt.After(s.now()) {
		return nil, nil, nil
	}

	if key.User == nil || !key.User.IsActive {
		return nil, nil, nil
	}

	principal := PrincipalFromUser(key.User)
	return &principal, &key, nil
}

// UpdateLastUsed bumps the key's last-used timestamp. This is bookkeeping:
// failures are logged and swallowed, never propagated, so authentication can
// never fail because of it.
func (s *APIKeyService) UpdateLastUsed(keyID string) {
	now := s.now()
	err := s.db.Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", now).Error
	if err != nil {
		s.log.Debug("last-used update failed", zap.String("key_id", keyID), zap.Error(err))
	}
}

// ListForUser returns metadata for the user's keys, newest first.
func (s *APIKeyService) ListForUser(ctx context.Context, userID string) ([]APIKeySummary, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("apikey service: list keys: %w", err)
	}

	summaries := make([]APIKeySummary, len(keys))
	for i, key := range keys {
		summaries[i] = APIKeySummary{
			ID:          key.ID,
			Name:        key.Name,
			Fingerprint: crypto.Fingerprint(key.KeyHash, fingerprintLength),
			CreatedAt:   key.CreatedAt,
			LastUsedAt:  key.LastUsedAt,
			ExpiresAt:   key.ExpiresAt,
		}
	}

	return summaries, nil
}

// Delete removes a key the user owns. The ownership check is folded into the
// delete predicate to avoid a check-then-act race.
func (s *APIKeyService) Delete(ctx context.Context, keyID, userID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", keyID, userID).
		Delete(&models.APIKey{})
	if result.Error != nil {
		return fmt.Errorf("apikey service: delete key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// DeleteAllForUser removes every key the user owns and returns the count.
func (s *APIKeyService) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.APIKey{})
	if result.Error != nil {
		return 0, fmt.Errorf("apikey service: delete keys: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// CleanupExpired sweeps keys past their expiry. Intended for periodic
// invocation; failures are logged and swallowed and the sweep reports 0.
func (s *APIKeyService) CleanupExpired(ctx context.Context) int64 {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", s.now()).
		Delete(&models.APIKey{})
	if result.Error != nil {
		s.log.Warn("expired key cleanup failed", zap.Error(result.Error))
		return 0
	}

	if result.RowsAffected > 0 {
		s.log.Info("expired api keys removed", zap.Int64("count", result.RowsAffected))
	}

	return result.RowsAffected
}

// deriveKeyPrefix builds a cosmetic lowercase alphabetic prefix from the
// email local-part. Non-alphabetic characters are stripped; an empty result
// means the key carries no prefix.
func deriveKeyPrefix(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
			if b.Len() == apiKeyPrefixMaxLen {
				break
			}
		}
	}

	return b.String()
}
