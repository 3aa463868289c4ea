package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

var testSecret = []byte("prism-test-secret")

func signClaims(t *testing.T, c *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func accessClaims(prisms ...string) *Claims {
	now := time.Now()
	return &Claims{
		Prisms: prisms,
		Role:   "analyst",
		Type:   TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestValidateBuildsAccessContext(t *testing.T) {
	v := NewHMACValidator(testSecret)

	ac, err := v.Validate("Bearer " + signClaims(t, accessClaims("sales_db::read", "inventory_db::write")))
	require.NoError(t, err)

	assert.Equal(t, "user-1", ac.SubjectID())
	assert.Equal(t, "analyst", ac.Role())
	assert.Equal(t, "jti-1", ac.TokenID())
	assert.Equal(t, domain.PermissionRead, ac.Permission("sales_db"))
	assert.Equal(t, domain.PermissionWrite, ac.Permission("inventory_db"))
	assert.True(t, ac.Can("inventory_db", domain.PermissionRead))
	assert.False(t, ac.Can("sales_db", domain.PermissionWrite))
	// default deny
	assert.Equal(t, domain.PermissionNone, ac.Permission("hr_db"))
	assert.False(t, ac.Can("hr_db", domain.PermissionRead))
}

func TestAccessContextResourcesIsACopy(t *testing.T) {
	ac, err := NewHMACValidator(testSecret).Validate(signClaims(t, accessClaims("db1::read")))
	require.NoError(t, err)

	res := ac.Resources()
	res["db1"] = domain.PermissionAdmin
	res["db9"] = domain.PermissionAdmin

	assert.Equal(t, domain.PermissionRead, ac.Permission("db1"))
	assert.Equal(t, domain.PermissionNone, ac.Permission("db9"))
}

func TestValidateHighestPermissionWins(t *testing.T) {
	cases := [][]string{
		{"db1::read", "db1::write"},
		{"db1::write", "db1::read"},
		{"db1::read", "db1::write", "db1::read"},
	}
	v := NewHMACValidator(testSecret)
	for _, prisms := range cases {
		ac, err := v.Validate(signClaims(t, accessClaims(prisms...)))
		require.NoError(t, err)
		assert.Equal(t, domain.PermissionWrite, ac.Permission("db1"), "prisms %v", prisms)
	}

	ac, err := v.Validate(signClaims(t, accessClaims("db1::admin", "db1::write")))
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionAdmin, ac.Permission("db1"))
}

func TestValidateExpiredToken(t *testing.T) {
	c := accessClaims("db1::read")
	c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	c.NotBefore = c.IssuedAt
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	ac, err := NewHMACValidator(testSecret).Validate(signClaims(t, c))
	require.ErrorIs(t, err, domain.ErrExpiredToken)
	assert.Nil(t, ac)
	assert.Equal(t, domain.KindExpiredToken, domain.KindOf(err))
}

func TestValidateExpiryBoundaryUsesClock(t *testing.T) {
	c := accessClaims("db1::read")
	token := signClaims(t, c)
	exp := c.ExpiresAt.Time

	_, err := NewHMACValidator(testSecret).WithClock(func() time.Time { return exp }).Validate(token)
	require.ErrorIs(t, err, domain.ErrExpiredToken, "now == exp must be rejected")

	_, err = NewHMACValidator(testSecret).WithClock(func() time.Time { return exp.Add(-time.Second) }).Validate(token)
	require.NoError(t, err)
}

func TestValidateNotYetValid(t *testing.T) {
	c := accessClaims("db1::read")
	c.NotBefore = jwt.NewNumericDate(time.Now().Add(10 * time.Minute))

	_, err := NewHMACValidator(testSecret).Validate(signClaims(t, c))
	require.ErrorIs(t, err, domain.ErrExpiredToken)
}

func TestValidateMissingExpiry(t *testing.T) {
	c := accessClaims("db1::read")
	c.ExpiresAt = nil

	_, err := NewHMACValidator(testSecret).Validate(signClaims(t, c))
	require.ErrorIs(t, err, domain.ErrMalformedClaims)
}

func TestValidateInvalidSignature(t *testing.T) {
	token := signClaims(t, accessClaims("db1::read"))

	_, err := NewHMACValidator([]byte("another-secret")).Validate(token)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = NewHMACValidator(testSecret).Validate("not-a-token")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = NewHMACValidator(testSecret).Validate("")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestValidateRejectsUnexpectedAlgorithm(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	rsToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, accessClaims("db1::read")).SignedString(key)
	require.NoError(t, err)

	_, err = NewHMACValidator(testSecret).Validate(rsToken)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	ac, err := NewRSAValidator(&key.PublicKey).Validate(rsToken)
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionRead, ac.Permission("db1"))
}

func TestValidateMalformedClaims(t *testing.T) {
	bad := [][]string{
		{"db1:read"},
		{"db1"},
		{"::read"},
		{"db1::owner"},
		{"db1::read::extra"},
		{"db1::read", "db2::superuser"},
	}
	v := NewHMACValidator(testSecret)
	for _, prisms := range bad {
		ac, err := v.Validate(signClaims(t, accessClaims(prisms...)))
		require.ErrorIs(t, err, domain.ErrMalformedClaims, "prisms %v", prisms)
		assert.Nil(t, ac)
	}
}

func TestValidateRejectsRefreshToken(t *testing.T) {
	c := accessClaims("db1::read")
	c.Type = TokenRefresh

	_, err := NewHMACValidator(testSecret).Validate(signClaims(t, c))
	require.ErrorIs(t, err, domain.ErrMalformedClaims)
}

func TestValidateRequiresSubject(t *testing.T) {
	c := accessClaims("db1::read")
	c.Subject = ""

	_, err := NewHMACValidator(testSecret).Validate(signClaims(t, c))
	require.ErrorIs(t, err, domain.ErrMalformedClaims)
}

func TestParsePrismClaimsEmpty(t *testing.T) {
	res, err := ParsePrismClaims(nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}
