package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

// RoleAdmin: роль оператора консоли.
const RoleAdmin = "admin"

// TokenIssuer: подпись и разбор токенов (auth.Issuer).
type TokenIssuer interface {
	IssuePair(id auth.Identity) (*auth.TokenPair, error)
	Refresh(refreshToken string) (*auth.TokenPair, error)
	Inspect(token string) (*auth.Claims, error)
}

// Revoker: список отозванных jti (auth.RevocationStore).
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) bool
}

type AuthService struct {
	issuer      TokenIssuer
	revocations Revoker
	logger      *zap.Logger
}

func NewAuthService(issuer TokenIssuer, revocations Revoker, logger *zap.Logger) *AuthService {
	return &AuthService{
		issuer:      issuer,
		revocations: revocations,
		logger:      logger.Named("auth-service"),
	}
}

// Issue выпускает пару токенов субъекту, аутентифицированному вне системы.
func (s *AuthService) Issue(ctx context.Context, id auth.Identity) (*auth.TokenPair, error) {
	if id.SubjectID == "" {
		return nil, fmt.Errorf("%w: empty subject", domain.ErrInvalidRequest)
	}
	// Права проверяем до подписи, чтобы не выпустить заведомо битый токен
	if _, err := auth.ParsePrismClaims(id.Prisms); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	pair, err := s.issuer.IssuePair(id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("token pair issued", zap.String("sub", id.SubjectID), zap.Strings("prisms", id.Prisms))
	return pair, nil
}

// Refresh меняет refresh-токен на новый access. Отозванный refresh не принимается.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	// 1. Проверка отзыва по jti
	claims, err := s.issuer.Inspect(refreshToken)
	if err != nil {
		return nil, err
	}
	if s.revocations.IsRevoked(ctx, claims.ID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTokenRevoked, claims.ID)
	}

	// 2. Подпись и проверка типа токена внутри Issuer
	pair, err := s.issuer.Refresh(refreshToken)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("access token refreshed", zap.String("sub", claims.Subject))
	return pair, nil
}

// Revoke отзывает токен любого типа. Не-администратор может отозвать только свой.
func (s *AuthService) Revoke(ctx context.Context, caller *auth.AccessContext, token string) error {
	claims, err := s.issuer.Inspect(token)
	if err != nil {
		return err
	}
	if caller.Role() != RoleAdmin && caller.SubjectID() != claims.Subject {
		return fmt.Errorf("%w: token of another subject", domain.ErrPermissionDenied)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := s.revocations.Revoke(ctx, claims.ID, exp); err != nil {
		s.logger.Error("failed to revoke token", zap.String("jti", claims.ID), zap.Error(err))
		return err
	}
	s.logger.Info("token revoked",
		zap.String("jti", claims.ID),
		zap.String("sub", claims.Subject),
		zap.String("by", caller.SubjectID()))
	return nil
}
