package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskflow/helpdesk/internal/auth"
	"github.com/deskflow/helpdesk/internal/config"
	"github.com/deskflow/helpdesk/internal/domain"
	"github.com/deskflow/helpdesk/internal/repository"
	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

// AuthService coordinates login and account lookups.
type AuthService struct {
	users      repository.UserRepository
	tokenMgr   *auth.TokenManager
	bcryptCost int
	logger     *zap.Logger
}

// AuthDependencies encapsulates repo requirements for auth service.
type AuthDependencies struct {
	UserRepo repository.UserRepository
	Logger   *zap.Logger
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

// DemoUser describes an account created by SeedDemoUsers.
type DemoUser struct {
	Name       string
	Email      string
	Password   string
	Role       domain.Role
	Department string
}

// DemoUsers are the accounts seeded in development.
var DemoUsers = []DemoUser{
	{Name: "Administrator", Email: "admin@example.com", Password: "admin123", Role: domain.RoleAdmin, Department: "IT"},
	{Name: "Moderator", Email: "moderator@example.com", Password: "moderator123", Role: domain.RoleModerator, Department: "IT"},
	{Name: "Regular User", Email: "user@example.com", Password: "user123", Role: domain.RoleUser, Department: "Sales"},
}

// NewAuthService builds the service.
func NewAuthService(cfg config.Config, deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:      deps.UserRepo,
		tokenMgr:   auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL()),
		bcryptCost: cfg.Auth.BcryptCost,
		logger:     logger,
	}
}

// Login authenticates by email and password. Unknown email and wrong
// password produce the same error.
func (s *AuthService) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, apperrors.NewValidationError("email and password required", nil)
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return LoginResult{}, apperrors.NewUnauthorized("invalid email or password")
		}
		return LoginResult{}, err
	}
	ok, err := auth.PasswordMatches(user.PasswordHash, password)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		return LoginResult{}, apperrors.NewUnauthorized("invalid email or password")
	}
	token, exp, err := s.tokenMgr.GenerateToken(*user)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Token: token, ExpiresAt: exp}, nil
}

// Logout is a no-op for stateless JWT sessions.
func (s *AuthService) Logout(_ context.Context, _ domain.Actor) error {
	return nil
}

// Me returns the account behind actor.
func (s *AuthService) Me(ctx context.Context, actor domain.Actor) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("user", map[string]any{"user_id": actor.ID})
		}
		return nil, err
	}
	return user, nil
}

// Register creates an account with a hashed password.
func (s *AuthService) Register(ctx context.Context, name, email, password string, role domain.Role, department string) (*domain.User, error) {
	if !role.Valid() {
		return nil, apperrors.NewValidationError("unknown role", map[string]any{"role": role})
	}
	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		Role:         role,
		Department:   department,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.NewConflict("email already registered", map[string]any{"email": user.Email})
		}
		return nil, err
	}
	return user, nil
}

// SeedDemoUsers creates the demo accounts that do not exist yet.
func (s *AuthService) SeedDemoUsers(ctx context.Context) error {
	for _, demo := range DemoUsers {
		if _, err := s.users.GetByEmail(ctx, demo.Email); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if _, err := s.Register(ctx, demo.Name, demo.Email, demo.Password, demo.Role, demo.Department); err != nil {
			return err
		}
		s.logger.Info("demo user created", zap.String("email", demo.Email), zap.String("role", string(demo.Role)))
	}
	return nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}
