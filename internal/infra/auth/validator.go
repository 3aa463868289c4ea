package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

// Validator проверяет подпись и окно действия токена и строит AccessContext.
// Чистая функция от токена, текущего времени и ключа проверки.
type Validator struct {
	key     any
	methods []string
	now     func() time.Time
}

// NewRSAValidator: асимметричная проверка RS256 (ключ подписи живет только в консоли).
func NewRSAValidator(pubKey *rsa.PublicKey) *Validator {
	return &Validator{key: pubKey, methods: []string{jwt.SigningMethodRS256.Alg()}, now: time.Now}
}

// NewHMACValidator: общий секрет HS256 для однопроцессных инсталляций и тестов.
func NewHMACValidator(secret []byte) *Validator {
	return &Validator{key: secret, methods: []string{jwt.SigningMethodHS256.Alg()}, now: time.Now}
}

// WithClock возвращает копию валидатора с другими часами.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	cp := *v
	cp.now = now
	return &cp
}

// Validate принимает только access-токены.
func (v *Validator) Validate(tokenStr string) (*AccessContext, error) {
	claims, err := v.parse(tokenStr, TokenAccess)
	if err != nil {
		return nil, err
	}
	resources, err := ParsePrismClaims(claims.Prisms)
	if err != nil {
		return nil, err
	}
	return newAccessContext(claims, resources), nil
}

// parse проверяет подпись, exp/nbf и тип токена.
func (v *Validator) parse(tokenStr string, want TokenType) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrInvalidSignature)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods(v.methods),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", domain.ErrMalformedClaims)
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: token type %q, expected %q", domain.ErrMalformedClaims, claims.Type, want)
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	// Токен вне окна действия: истек или еще не начал действовать
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", domain.ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", domain.ErrMalformedClaims, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает PEM в ключ для подписи (только для консоли)
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
