package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/models"
	"github.com/statlerhq/backplane/pkg/crypto"
	apperrors "github.com/statlerhq/backplane/pkg/errors"
	"github.com/statlerhq/backplane/pkg/logger"
)

// SessionRevoker is the slice of the session manager the user service needs
// to cascade revocation on destructive user operations.
type SessionRevoker interface {
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
}

// APIKeyRevoker cascades key removal when a user is deleted.
type APIKeyRevoker interface {
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
}

// CreateUserInput describes the fields accepted when creating a user.
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	Roles    []string
	IsActive *bool
}

// UpdateUserInput enumerates mutable user attributes. Nil fields are left
// untouched.
type UpdateUserInput struct {
	Name     *string
	Password *string
	Roles    []string
}

// ListUsersOptions controls pagination and filtering for user listing.
type ListUsersOptions struct {
	Page     int
	PageSize int
	IsActive *bool
	Query    string
}

// UserService manages the user lifecycle: creation, lookup, listing,
// mutation, activation toggling, and deletion with credential cascade.
type UserService struct {
	db       *gorm.DB
	sessions SessionRevoker
	apiKeys  APIKeyRevoker
	log      *zap.Logger
}

// NewUserService constructs a UserService. The revokers may be nil in tests
// that do not exercise deletion.
func NewUserService(db *gorm.DB, sessions SessionRevoker, apiKeys APIKeyRevoker) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{
		db:       db,
		sessions: sessions,
		apiKeys:  apiKeys,
		log:      logger.WithModule("users"),
	}, nil
}

// Create provisions a new user with a hashed password and a default role.
func (s *UserService) Create(ctx context.Context, input CreateUserInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, apperrors.NewBadRequest("email is required")
	}
	if strings.TrimSpace(input.Password) == "" {
		return nil, apperrors.NewBadRequest("password is required")
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("user service: hash password: %w", err)
	}

	roles := normalizeRoles(input.Roles)
	if len(roles) == 0 {
		roles = []string{auth.RoleUser}
	}

	user := &models.User{
		Email:        email,
		Name:         strings.TrimSpace(input.Name),
		PasswordHash: hashed,
		Roles:        roles,
		IsActive:     true,
	}
	if input.IsActive != nil {
		user.IsActive = *input.IsActive
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.New("EMAIL_TAKEN", "Email address is already registered", 409)
		}
		return nil, fmt.Errorf("user service: create user: %w", err)
	}

	s.log.Info("user created", zap.String("user_id", user.ID), zap.Strings("roles", roles))
	return user, nil
}

// FindByID fetches a user by primary key.
func (s *UserService) FindByID(ctx context.Context, id string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// FindByEmail fetches a user by email (case-insensitive: emails are stored
// lower-cased).
func (s *UserService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// Authenticate verifies an email/password pair against an active account.
// Failure collapses to ErrInvalidCredentials regardless of cause.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.FindByEmail(ctx, email)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		// Burn a hash comparison so unknown emails cost the same as bad
		// passwords.
		_ = crypto.VerifyPassword("$2a$10$0000000000000000000000000000000000000000000000000000", password)
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if !crypto.VerifyPassword(user.PasswordHash, password) {
		return nil, apperrors.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, apperrors.ErrAccountDisabled
	}

	return user, nil
}

// List returns a page of users plus the unpaginated total.
func (s *UserService) List(ctx context.Context, opts ListUsersOptions) ([]models.User, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 25
	}

	query := s.db.WithContext(ctx).Model(&models.User{})
	if opts.IsActive != nil {
		query = query.Where("is_active = ?", *opts.IsActive)
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("LOWER(email) LIKE ? OR LOWER(name) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("user service: count users: %w", err)
	}

	var users []models.User
	err := query.
		Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&users).Error
	if err != nil {
		return nil, 0, fmt.Errorf("user service: list users: %w", err)
	}

	return users, total, nil
}

// Update applies the non-nil fields of the input to the user.
func (s *UserService) Update(ctx context.Context, id string, input UpdateUserInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	user, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if input.Name != nil {
		updates["name"] = strings.TrimSpace(*input.Name)
	}
	if input.Password != nil {
		if strings.TrimSpace(*input.Password) == "" {
			return nil, apperrors.NewBadRequest("password must not be empty")
		}
		hashed, err := crypto.HashPassword(*input.Password)
		if err != nil {
			return nil, fmt.Errorf("user service: hash password: %w", err)
		}
		updates["password_hash"] = hashed
	}
	if input.Roles != nil {
		roles := normalizeRoles(input.Roles)
		if len(roles) == 0 {
			return nil, apperrors.NewBadRequest("at least one role is required")
		}
		updates["roles"] = datatypes.NewJSONSlice(roles)
	}

	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("user service: update user: %w", err)
	}

	return s.FindByID(ctx, id)
}

// SetActive toggles account activation. Deactivation does not revoke
// sessions: they survive and resume working if the account is reactivated.
func (s *UserService) SetActive(ctx context.Context, id string, active bool) (*models.User, error) {
	ctx = ensureContext(ctx)

	user, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(user).Update("is_active", active).Error; err != nil {
		return nil, fmt.Errorf("user service: set active: %w", err)
	}
	user.IsActive = active

	s.log.Info("user activation changed", zap.String("user_id", id), zap.Bool("active", active))
	return user, nil
}

// UpdateLastLogin records login bookkeeping. Best-effort: failures are logged
// and swallowed so login never fails on it.
func (s *UserService) UpdateLastLogin(ctx context.Context, id, ip string) {
	ctx = ensureContext(ctx)

	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_login_at": gorm.Expr("CURRENT_TIMESTAMP"),
			"last_login_ip": ip,
		}).Error
	if err != nil {
		s.log.Debug("last-login update failed", zap.String("user_id", id), zap.Error(err))
	}
}

// Delete removes the user and revokes every credential they hold.
func (s *UserService) Delete(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)

	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}

	// Revoke both credential kinds before the row goes away; attempt each
	// even if the other fails so a store hiccup cannot leave extra live
	// credentials behind.
	var revokeErrs error
	if s.sessions != nil {
		if _, err := s.sessions.DeleteAllForUser(ctx, id); err != nil {
			revokeErrs = multierr.Append(revokeErrs, fmt.Errorf("revoke sessions: %w", err))
		}
	}
	if s.apiKeys != nil {
		if _, err := s.apiKeys.DeleteAllForUser(ctx, id); err != nil {
			revokeErrs = multierr.Append(revokeErrs, fmt.Errorf("revoke api keys: %w", err))
		}
	}
	if revokeErrs != nil {
		return fmt.Errorf("user service: %w", revokeErrs)
	}

	if err := s.db.WithContext(ctx).Delete(&models.User{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("user service: delete user: %w", err)
	}

	s.log.Info("user deleted", zap.String("user_id", id))
	return nil
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized := auth.NormalizeRole(role)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
