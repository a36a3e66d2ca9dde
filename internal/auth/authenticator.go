package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/statlerhq/backplane/internal/models"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/logger"
	"github.com/statlerhq/backplane/pkg/metrics"
)

type credentialKind int

const (
	credNone credentialKind = iota
	credAPIKey
	credSessionCookie
)

// Credential is the extracted per-request credential. Exactly one kind is
// present; an Authorization bearer header always wins over a session cookie
// and the two never fall back to each other.
type Credential struct {
	kind  credentialKind
	value string
}

// APIKeyCredential wraps a bearer token from the Authorization header.
func APIKeyCredential(token string) Credential {
	return Credential{kind: credAPIKey, value: token}
}

// SessionCredential wraps a session token from the session cookie.
func SessionCredential(token string) Credential {
	return Credential{kind: credSessionCookie, value: token}
}

// NoCredential represents an unauthenticated request.
func NoCredential() Credential {
	return Credential{kind: credNone}
}

// IsSession reports whether the credential is a session cookie.
func (c Credential) IsSession() bool { return c.kind == credSessionCookie }

// UserStore is the slice of the user service the authenticator needs.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Result carries everything a successful authentication produced. Session and
// APIKey are mutually exclusive; at most one is non-nil.
type Result struct {
	Principal Principal
	Session   *SessionRecord
	APIKey    *models.APIKey
}

// Authenticator resolves a request credential to a live principal. The user
// row is always re-read: role and activation snapshots inside session records
// are not authoritative.
type Authenticator struct {
	sessions *SessionManager
	apiKeys  *APIKeyService
	users    UserStore
	log      *zap.Logger
}

// NewAuthenticator wires the two credential paths to a shared user store.
func NewAuthenticator(sessions *SessionManager, apiKeys *APIKeyService, users UserStore) (*Authenticator, error) {
	if sessions == nil {
		return nil, errors.New("authenticator: session manager is required")
	}
	if apiKeys == nil {
		return nil, errors.New("authenticator: api key service is required")
	}
	if users == nil {
		return nil, errors.New("authenticator: user store is required")
	}

	return &Authenticator{
		sessions: sessions,
		apiKeys:  apiKeys,
		users:    users,
		log:      logger.WithModule("authenticator"),
	}, nil
}

// Authenticate validates the credential and returns the authenticated result.
// Error taxonomy: ErrAuthRequired when no credential is usable,
// ErrInvalidToken when a presented credential fails validation (callers clear
// the cookie on this for session credentials), ErrUserInactive when the
// credential is valid but the account is disabled.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credential) (*Result, error) {
	switch cred.kind {
	case credAPIKey:
		return a.authenticateAPIKey(ctx, cred.value)
	case credSessionCookie:
		return a.authenticateSession(ctx, cred.value)
	default:
		metrics.AuthAttempts.WithLabelValues("none", "missing").Inc()
		return nil, apperrors.ErrAuthRequired
	}
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, token string) (*Result, error) {
	principal, key, err := a.apiKeys.Validate(ctx, token)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("api_key", "error").Inc()
		a.log.Error("api key validation failed", zap.Error(err))
		return nil, apperrors.ErrStoreUnavailable
	}
	if principal == nil {
		// A malformed, unknown, expired, or orphaned key all look the same.
		metrics.AuthAttempts.WithLabelValues("api_key", "invalid").Inc()
		return nil, apperrors.ErrInvalidToken
	}

	// Bookkeeping off the hot path; authentication never waits on it.
	go a.apiKeys.UpdateLastUsed(key.ID)

	metrics.AuthAttempts.WithLabelValues("api_key", "success").Inc()
	return &Result{Principal: *principal, APIKey: key}, nil
}

func (a *Authenticator) authenticateSession(ctx context.Context, token string) (*Result, error) {
	record, err := a.sessions.Get(ctx, token)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("session", "error").Inc()
		a.log.Error("session lookup failed", zap.String("token_prefix", TokenPrefix(token)), zap.Error(err))
		return nil, apperrors.ErrStoreUnavailable
	}
	if record == nil {
		metrics.AuthAttempts.WithLabelValues("session", "invalid").Inc()
		return nil, apperrors.ErrInvalidToken
	}

	user, err := a.users.FindByID(ctx, record.UserID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, apperrors.ErrUserNotFound) {
		metrics.AuthAttempts.WithLabelValues("session", "error").Inc()
		return nil, fmt.Errorf("authenticator: load user: %w", err)
	}
	if user == nil || err != nil {
		// The session outlived its user; drop it so it cannot be replayed.
		if delErr := a.sessions.Delete(ctx, token); delErr != nil {
			a.log.Warn("orphaned session cleanup failed",
				zap.String("token_prefix", TokenPrefix(token)), zap.Error(delErr))
		}
		metrics.AuthAttempts.WithLabelValues("session", "orphaned").Inc()
		return nil, apperrors.ErrAuthRequired
	}

	if !user.IsActive {
		// The session stays: reactivating the account restores access.
		metrics.AuthAttempts.WithLabelValues("session", "inactive").Inc()
		return nil, apperrors.ErrUserInactive
	}

	metrics.AuthAttempts.WithLabelValues("session", "success").Inc()
	return &Result{Principal: PrincipalFromUser(user), Session: record}, nil
}
