package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKey stores bearer-key metadata. Only the SHA-256 hash of the full
// plaintext is persisted; the plaintext is returned exactly once at creation.
type APIKey struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"index;not null" json:"user_id"`
	User   *User  `json:"-"`

	Name    string `json:"name"`
	KeyHash string `gorm:"uniqueIndex;size:64;not null" json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	// ExpiresAt nil means the key never expires.
	ExpiresAt *time.Time `json:"expires_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}
