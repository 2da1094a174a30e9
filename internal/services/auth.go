package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/courseloom/courseloom-backend/internal/data/repos"
	"github.com/courseloom/courseloom-backend/internal/domain"
	"github.com/courseloom/courseloom-backend/internal/pkg/apierr"
	"github.com/courseloom/courseloom-backend/internal/pkg/ctxutil"
	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
	"github.com/courseloom/courseloom-backend/internal/utils"
)

type RegisterUserInput struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
}

type LoginUserInput struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type AuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type JWTClaims struct {
	jwt.RegisteredClaims
}

type AuthService interface {
	RegisterUser(ctx context.Context, input RegisterUserInput) (*domain.User, *AuthTokens, error)
	LoginUser(ctx context.Context, input LoginUserInput) (*domain.User, *AuthTokens, error)
	RefreshUser(ctx context.Context, refreshToken string) (*AuthTokens, error)
	LogoutUser(ctx context.Context) error
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
	GetAccessTTL() time.Duration
}

type authService struct {
	db         *gorm.DB
	users      repos.UserRepo
	tokens     repos.UserTokenRepo
	avatars    AvatarService
	log        *logger.Logger
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewAuthService(
	db *gorm.DB,
	users repos.UserRepo,
	tokens repos.UserTokenRepo,
	avatars AvatarService,
	baseLog *logger.Logger,
) AuthService {
	log := baseLog.With("service", "AuthService")
	return &authService{
		db:         db,
		users:      users,
		tokens:     tokens,
		avatars:    avatars,
		log:        log,
		secret:     []byte(utils.GetEnv("JWT_SECRET_KEY", "", log)),
		accessTTL:  utils.GetEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute, log),
		refreshTTL: utils.GetEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour, log),
	}
}

func (s *authService) GetAccessTTL() time.Duration { return s.accessTTL }

func (s *authService) RegisterUser(ctx context.Context, input RegisterUserInput) (*domain.User, *AuthTokens, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))

	exists, err := s.users.EmailExists(ctx, nil, email)
	if err != nil {
		return nil, nil, apierr.New(http.StatusInternalServerError, "user_lookup_failed", err)
	}
	if exists {
		return nil, nil, apierr.New(http.StatusConflict, "email_taken", fmt.Errorf("email %s already registered", email))
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, apierr.New(http.StatusInternalServerError, "password_hash_failed", err)
	}

	user := &domain.User{
		ID:        uuid.New(),
		Email:     email,
		Password:  string(hashed),
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
	}

	var tokens *AuthTokens
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.users.Create(ctx, tx, user); err != nil {
			return apierr.New(http.StatusInternalServerError, "user_create_failed", err)
		}
		var issueErr error
		tokens, issueErr = s.issueTokens(ctx, tx, user.ID)
		return issueErr
	})
	if err != nil {
		return nil, nil, err
	}

	if s.avatars != nil {
		// Avatar generation is cosmetic. Registration does not depend on it.
		if genErr := s.avatars.GenerateInitialsAvatar(ctx, user); genErr != nil {
			s.log.Warn("initials avatar generation failed", "user_id", user.ID, "error", genErr)
		}
	}

	s.log.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

func (s *authService) LoginUser(ctx context.Context, input LoginUserInput) (*domain.User, *AuthTokens, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))

	user, err := s.users.GetByEmail(ctx, nil, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apierr.New(http.StatusUnauthorized, "invalid_credentials", errors.New("unknown email or wrong password"))
		}
		return nil, nil, apierr.New(http.StatusInternalServerError, "user_lookup_failed", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)); err != nil {
		return nil, nil, apierr.New(http.StatusUnauthorized, "invalid_credentials", errors.New("unknown email or wrong password"))
	}

	tokens, err := s.issueTokens(ctx, nil, user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

func (s *authService) RefreshUser(ctx context.Context, refreshToken string) (*AuthTokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, apierr.New(http.StatusBadRequest, "missing_refresh_token", errors.New("refresh token required"))
	}

	row, err := s.tokens.GetByRefreshToken(ctx, nil, refreshToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierr.New(http.StatusUnauthorized, "invalid_refresh_token", errors.New("refresh token not recognized"))
		}
		return nil, apierr.New(http.StatusInternalServerError, "token_lookup_failed", err)
	}

	if time.Now().After(row.ExpiresAt) {
		_ = s.tokens.DeleteByID(ctx, nil, row.ID)
		return nil, apierr.New(http.StatusUnauthorized, "refresh_token_expired", errors.New("refresh token expired"))
	}

	var tokens *AuthTokens
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.tokens.DeleteByID(ctx, tx, row.ID); err != nil {
			return apierr.New(http.StatusInternalServerError, "token_rotate_failed", err)
		}
		var issueErr error
		tokens, issueErr = s.issueTokens(ctx, tx, row.UserID)
		return issueErr
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *authService) LogoutUser(ctx context.Context) error {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return apierr.New(http.StatusUnauthorized, "not_authenticated", errors.New("no authenticated user in context"))
	}
	if err := s.tokens.DeleteByUserID(ctx, nil, rd.UserID); err != nil {
		return apierr.New(http.StatusInternalServerError, "logout_failed", err)
	}
	s.log.Info("user logged out", "user_id", rd.UserID)
	return nil
}

// SetContextFromToken verifies an access token and attaches the caller's
// identity to the context. The token must both verify against the signing
// key and still exist as a stored row, so logout revokes it immediately.
func (s *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return ctx, apierr.New(http.StatusUnauthorized, "missing_token", errors.New("access token required"))
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ctx, apierr.New(http.StatusUnauthorized, "invalid_token", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return ctx, apierr.New(http.StatusUnauthorized, "invalid_token", fmt.Errorf("bad subject claim: %w", err))
	}

	row, err := s.tokens.GetByAccessToken(ctx, nil, tokenString)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ctx, apierr.New(http.StatusUnauthorized, "token_revoked", errors.New("access token revoked"))
		}
		return ctx, apierr.New(http.StatusInternalServerError, "token_lookup_failed", err)
	}
	if row.UserID != userID {
		return ctx, apierr.New(http.StatusUnauthorized, "invalid_token", errors.New("token subject mismatch"))
	}

	rd := &ctxutil.RequestData{
		UserID:       userID,
		SessionID:    row.ID,
		TokenString:  tokenString,
		RefreshToken: row.RefreshToken,
	}
	return ctxutil.WithRequestData(ctx, rd), nil
}

func (s *authService) issueTokens(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*AuthTokens, error) {
	now := time.Now()
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "token_sign_failed", err)
	}

	refresh := uuid.NewString()
	row := &domain.UserToken{
		ID:           uuid.New(),
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.refreshTTL),
	}
	if err := s.tokens.Create(ctx, tx, row); err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "token_store_failed", err)
	}

	return &AuthTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}
