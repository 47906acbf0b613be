// Package auth manages accounts and the bearer tokens that identify them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var (
	ErrUsernameRequired   = errors.New("username is required")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrAccountExists      = errors.New("username or phone already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrUserNotFound       = errors.New("user not found")
	ErrWrongPassword      = errors.New("current password is incorrect")
	ErrPhoneRequired      = errors.New("phone is required")
	ErrTooManyUsers       = errors.New("too many user ids")
)

const minPasswordLen = 6

// Config controls token issuance.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Claims carried by issued tokens.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserStore is the account persistence.
type UserStore interface {
	Create(ctx context.Context, u *user.User) error
	FindByID(ctx context.Context, id string) (*user.User, error)
	FindByUsername(ctx context.Context, username string) (*user.User, error)
	FindByPhone(ctx context.Context, phone string) (*user.User, error)
	ListByIDs(ctx context.Context, ids []string) ([]user.User, error)
	UpdateProfile(ctx context.Context, u *user.User) error
	UpdatePassword(ctx context.Context, id, hash string) error
}

// RevocationStore shares logged-out token ids between nodes.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// RegisterInput is a sign-up request.
type RegisterInput struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

// Service registers users, checks passwords and issues HS256 tokens.
// Logged-out tokens are remembered until they would have expired: locally in
// a cache and, when configured, in the shared revocation store.
type Service struct {
	users       UserStore
	revocations RevocationStore
	cfg         Config
	revoked     *cache.Cache
	now         func() time.Time
	log         *zap.Logger
}

// NewService bootstraps the account service. revocations may be nil, in
// which case logouts are only known to this process.
func NewService(users UserStore, revocations RevocationStore, cfg Config, log *zap.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{
		users:       users,
		revocations: revocations,
		cfg:         cfg,
		revoked:     cache.New(cfg.TTL, 10*time.Minute),
		now:         time.Now,
		log:         logger.OrNop(log),
	}
}

// Register creates an account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*user.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if len(in.Password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &user.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Avatar:       strings.TrimSpace(in.Avatar),
		Status:       user.StatusOffline,
	}
	u.SetPhone(strings.TrimSpace(in.Phone))

	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAccountExists
		}
		return nil, err
	}

	s.log.Info("user registered", zap.String("user", u.ID), zap.String("username", u.Username))
	return u, nil
}

// Login accepts a username or phone number and returns a fresh token.
func (s *Service) Login(ctx context.Context, identifier, password string) (string, *user.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	u, err := s.users.FindByUsername(ctx, identifier)
	if err != nil {
		return "", nil, err
	}
	if u == nil {
		if u, err = s.users.FindByPhone(ctx, identifier); err != nil {
			return "", nil, err
		}
	}
	if u == nil {
		return "", nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.Issue(u)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// Issue signs a token for u.
func (s *Service) Issue(u *user.User) (string, error) {
	now := s.now()
	claims := Claims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses the token and rejects expired, foreign or revoked ones.
func (s *Service) Validate(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if _, revoked := s.revoked.Get(claims.ID); revoked {
		return nil, ErrTokenRevoked
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			s.revoked.Set(claims.ID, struct{}{}, s.remaining(claims))
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// Logout revokes the token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.Validate(ctx, token)
	if err != nil {
		return err
	}

	ttl := s.remaining(claims)
	if s.revocations != nil {
		if err := s.revocations.Revoke(ctx, claims.ID, s.now().Add(ttl)); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
	}
	s.revoked.Set(claims.ID, struct{}{}, ttl)
	s.log.Info("token revoked", zap.String("user", claims.UserID))
	return nil
}

func (s *Service) remaining(claims *Claims) time.Duration {
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Sub(s.now()); remaining > 0 {
			return remaining
		}
	}
	return time.Minute
}

// Me loads the account behind a validated user id.
func (s *Service) Me(ctx context.Context, userID string) (*user.User, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}
