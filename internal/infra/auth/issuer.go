package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 3600 * time.Second
	DefaultRefreshTTL = 604800 * time.Second
)

// Identity: то, что консоль знает о субъекте после внешней аутентификации.
type Identity struct {
	SubjectID string
	Role      string
	Prisms    []string // "resource::permission"
}

// TokenPair: ответ консоли.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Issuer подписывает токены. Refresh-токен годится только для выпуска нового access.
type Issuer struct {
	method     jwt.SigningMethod
	signKey    any
	verifier   *Validator
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewRSAIssuer(privateKey *rsa.PrivateKey, accessTTL, refreshTTL time.Duration) *Issuer {
	return newIssuer(jwt.SigningMethodRS256, privateKey, NewRSAValidator(&privateKey.PublicKey), accessTTL, refreshTTL)
}

func NewHMACIssuer(secret []byte, accessTTL, refreshTTL time.Duration) *Issuer {
	return newIssuer(jwt.SigningMethodHS256, secret, NewHMACValidator(secret), accessTTL, refreshTTL)
}

func newIssuer(method jwt.SigningMethod, key any, verifier *Validator, accessTTL, refreshTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Issuer{
		method:     method,
		signKey:    key,
		verifier:   verifier,
		issuer:     "prism-console",
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock нужен тестам, чтобы выпускать уже истекшие токены.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	cp := *i
	cp.now = now
	cp.verifier = i.verifier.WithClock(now)
	return &cp
}

// IssuePair выпускает access + refresh для уже аутентифицированного субъекта.
func (i *Issuer) IssuePair(id Identity) (*TokenPair, error) {
	access, exp, err := i.sign(id, TokenAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, err := i.sign(id, TokenRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return i.pair(access, refresh, exp), nil
}

// Refresh обменивает действующий refresh-токен на новый access-токен с теми же правами.
func (i *Issuer) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := i.verifier.parse(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	if _, err := ParsePrismClaims(claims.Prisms); err != nil {
		return nil, err
	}
	access, exp, err := i.sign(Identity{SubjectID: claims.Subject, Role: claims.Role, Prisms: claims.Prisms}, TokenAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	return i.pair(access, "", exp), nil
}

// Inspect разбирает токен любого типа (для отзыва по jti).
func (i *Issuer) Inspect(token string) (*Claims, error) {
	claims, err := i.verifier.parse(token, TokenAccess)
	if err == nil {
		return claims, nil
	}
	return i.verifier.parse(token, TokenRefresh)
}

// Validate проверяет access-токен ключом издателя (консоль проверяет свои же токены).
func (i *Issuer) Validate(token string) (*AccessContext, error) {
	return i.verifier.Validate(token)
}

func (i *Issuer) sign(id Identity, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(ttl)
	claims := &Claims{
		Prisms: id.Prisms,
		Role:   id.Role,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   id.SubjectID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

func (i *Issuer) pair(access, refresh string, exp time.Time) *TokenPair {
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(exp.Sub(i.now()).Seconds()),
		ExpiresAt:    exp.Unix(),
	}
}
