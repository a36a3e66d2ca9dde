package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/statlerhq/backplane/internal/cache"
	"github.com/statlerhq/backplane/pkg/crypto"
	"github.com/statlerhq/backplane/pkg/logger"
	"github.com/statlerhq/backplane/pkg/metrics"
)

const (
	// DefaultSessionTTL is the fallback session lifetime.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultSlidingThreshold is the minimum idle interval before a read
	// renews the session.
	DefaultSlidingThreshold = time.Hour

	sessionTokenBytes = 32 // 256 bits of randomness, rendered as 64 hex chars

	sessionKeyPrefix = "session:"
	userIndexPrefix  = "user_sessions:"
)

// SessionRecord is the server-side session state stored under an opaque
// token. Timestamps are second-resolution Unix values to match the store's
// TTL granularity.
type SessionRecord struct {
	Token      string   `json:"-"`
	UserID     string   `json:"user_id"`
	Roles      []string `json:"roles"`
	CreatedAt  int64    `json:"created_at"`
	LastUsedAt int64    `json:"last_used_at"`
	ExpiresAt  int64    `json:"expires_at"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// SessionMetadata captures optional client fingerprint data at creation.
type SessionMetadata struct {
	IP        string
	UserAgent string
	Country   string
}

// SessionConfig describes tunable behaviour for the SessionManager.
type SessionConfig struct {
	TTL              time.Duration
	SlidingThreshold time.Duration
	Clock            func() time.Time
}

// SessionManager owns the session lifecycle: issuing tokens, sliding-window
// renewal, per-user enumeration, and single or bulk revocation. All state
// lives in the injected credential store; the store's native TTL handles
// natural expiry.
type SessionManager struct {
	store     cache.Store
	ttl       time.Duration
	threshold time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewSessionManager constructs a session manager on top of the supplied
// credential store. The sliding threshold must be strictly smaller than the
// TTL or sessions could expire between renewals.
func NewSessionManager(store cache.Store, cfg SessionConfig) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("session manager: store is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	threshold := cfg.SlidingThreshold
	if threshold <= 0 {
		threshold = DefaultSlidingThreshold
	}

	if threshold >= ttl {
		return nil, fmt.Errorf("session manager: sliding threshold %s must be smaller than ttl %s", threshold, ttl)
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionManager{
		store:     store,
		ttl:       ttl,
		threshold: threshold,
		now:       clock,
		log:       logger.WithModule("session"),
	}, nil
}

// TokenPrefix returns the loggable prefix of a session token. Full tokens are
// bearer credentials and must never reach the logs.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

func userIndexKey(userID string) string {
	return userIndexPrefix + userID
}

// Create issues a new session for the user and returns the opaque token.
// Store failures propagate: session creation is an essential write.
func (m *SessionManager) Create(ctx context.Context, userID string, roles []string, meta SessionMetadata) (string, error) {
	if userID == "" {
		return "", errors.New("session manager: user id is required")
	}

	token, err := crypto.GenerateHexToken(sessionTokenBytes)
	if err != nil {
		return "", fmt.Errorf("session manager: generate token: %w", err)
	}

	now := m.now().Unix()
	record := &SessionRecord{
		UserID:     userID,
		Roles:      roles,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now + int64(m.ttl.Seconds()),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		Country:    meta.Country,
	}

	if err := m.writeRecord(ctx, token, record); err != nil {
		return "", err
	}

	if err := m.store.SAdd(ctx, userIndexKey(userID), token); err != nil {
		return "", fmt.Errorf("session manager: index session: %w", err)
	}
	if err := m.store.Expire(ctx, userIndexKey(userID), m.ttl); err != nil {
		return "", fmt.Errorf("session manager: refresh index ttl: %w", err)
	}

	metrics.ActiveSessions.Inc()

	m.log.Debug("session created",
		zap.String("user_id", userID),
		zap.String("token_prefix", TokenPrefix(token)),
	)

	return token, nil
}

// Get returns the session stored under token, or nil when the token is
// unknown or expired. Valid reads that cross the sliding threshold renew the
// session synchronously before returning.
func (m *SessionManager) Get(ctx context.Context, token string) (*SessionRecord, error) {
	record, err := m.readRecord(ctx, token)
	if err != nil || record == nil {
		return nil, err
	}

	now := m.now().Unix()

	// Defensive read-time cleanup; the store enforces TTL natively so this
	// should be rare.
	if record.ExpiresAt <= now {
		if err := m.Delete(ctx, token); err != nil {
			m.log.Warn("expired session cleanup failed",
				zap.String("token_prefix", TokenPrefix(token)),
				zap.Error(err),
			)
		}
		return nil, nil
	}

	if now-record.LastUsedAt >= int64(m.threshold.Seconds()) {
		record.LastUsedAt = now
		record.ExpiresAt = now + int64(m.ttl.Seconds())

		if err := m.writeRecord(ctx, token, record); err != nil {
			return nil, err
		}
		if err := m.store.Expire(ctx, userIndexKey(record.UserID), m.ttl); err != nil {
			m.log.Warn("index ttl refresh failed",
				zap.String("user_id", record.UserID),
				zap.Error(err),
			)
		}
	}

	return record, nil
}

// Delete revokes a single session. Unknown tokens are a no-op.
func (m *SessionManager) Delete(ctx context.Context, token string) error {
	record, err := m.readRecord(ctx, token)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, sessionKey(token)); err != nil {
		return fmt.Errorf("session manager: delete session: %w", err)
	}

	// If the record already vanished the owner is unknown and index cleanup
	// is skipped; stale index entries are pruned at read time.
	if record != nil {
		if err := m.store.SRem(ctx, userIndexKey(record.UserID), token); err != nil {
			m.log.Warn("session index cleanup failed",
				zap.String("user_id", record.UserID),
				zap.Error(err),
			)
		}
		metrics.ActiveSessions.Dec()
	}

	return nil
}

// DeleteAllForUser revokes every session belonging to the user and drops the
// index itself. Returns the number of session records removed.
func (m *SessionManager) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	tokens, err := m.store.SMembers(ctx, userIndexKey(userID))
	if err != nil {
		return 0, fmt.Errorf("session manager: enumerate sessions: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, sessionKey(token))
	}
	keys = append(keys, userIndexKey(userID))

	if err := m.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("session manager: delete sessions: %w", err)
	}

	if count := len(tokens); count > 0 {
		metrics.ActiveSessions.Sub(float64(count))
	}

	m.log.Info("all sessions revoked",
		zap.String("user_id", userID),
		zap.Int("count", len(tokens)),
	)

	return len(tokens), nil
}

// ListForUser enumerates the user's active sessions sorted by last use,
// most recent first. Index entries whose record expired mid-iteration are
// silently skipped and pruned.
func (m *SessionManager) ListForUser(ctx context.Context, userID string) ([]SessionRecord, error) {
	tokens, err := m.store.SMembers(ctx, userIndexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("session manager: enumerate sessions: %w", err)
	}

	sessions := make([]SessionRecord, 0, len(tokens))
	var stale []string

	for _, token := range tokens {
		record, err := m.readRecord(ctx, token)
		if err != nil {
			return nil, err
		}
		if record == nil {
			stale = append(stale, token)
			continue
		}
		sessions = append(sessions, *record)
	}

	if len(stale) > 0 {
		if err := m.store.SRem(ctx, userIndexKey(userID), stale...); err != nil {
			m.log.Warn("stale index pruning failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt > sessions[j].LastUsedAt
	})

	return sessions, nil
}

func (m *SessionManager) readRecord(ctx context.Context, token string) (*SessionRecord, error) {
	if token == "" {
		return nil, nil
	}

	payload, found, err := m.store.Get(ctx, sessionKey(token))
	if err != nil {
		return nil, fmt.Errorf("session manager: read session: %w", err)
	}
	if !found {
		return nil, nil
	}

	var record SessionRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		// Corrupt payloads are unrecoverable; drop them.
		_ = m.store.Delete(ctx, sessionKey(token))
		return nil, nil
	}
	record.Token = token

	return &record, nil
}

func (m *SessionManager) writeRecord(ctx context.Context, token string, record *SessionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("session manager: encode session: %w", err)
	}

	ttl := time.Duration(record.ExpiresAt-m.now().Unix()) * time.Second
	if ttl <= 0 {
		return errors.New("session manager: refusing to write already-expired session")
	}

	if err := m.store.Set(ctx, sessionKey(token), string(payload), ttl); err != nil {
		return fmt.Errorf("session manager: write session: %w", err)
	}

	return nil
}
