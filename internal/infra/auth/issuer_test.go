package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

var analyst = Identity{SubjectID: "user-7", Role: "analyst", Prisms: []string{"sales_db::read", "inventory_db::write"}}

func TestIssuePairRoundTrip(t *testing.T) {
	iss := NewHMACIssuer(testSecret, 0, 0)

	pair, err := iss.IssuePair(analyst)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.InDelta(t, DefaultAccessTTL.Seconds(), float64(pair.ExpiresIn), 2)

	ac, err := NewHMACValidator(testSecret).Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-7", ac.SubjectID())
	assert.Equal(t, domain.PermissionWrite, ac.Permission("inventory_db"))

	// refresh-токен оркестратор не принимает
	_, err = NewHMACValidator(testSecret).Validate(pair.RefreshToken)
	require.ErrorIs(t, err, domain.ErrMalformedClaims)
}

func TestRefreshMintsAccessToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	iss := NewRSAIssuer(key, time.Minute, time.Hour)

	pair, err := iss.IssuePair(analyst)
	require.NoError(t, err)

	refreshed, err := iss.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Empty(t, refreshed.RefreshToken)

	ac, err := NewRSAValidator(&key.PublicKey).Validate(refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionRead, ac.Permission("sales_db"))
	assert.Equal(t, "analyst", ac.Role())
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	iss := NewHMACIssuer(testSecret, 0, 0)
	pair, err := iss.IssuePair(analyst)
	require.NoError(t, err)

	_, err = iss.Refresh(pair.AccessToken)
	require.ErrorIs(t, err, domain.ErrMalformedClaims)
}

func TestRefreshRejectsExpiredRefreshToken(t *testing.T) {
	past := time.Now().Add(-30 * 24 * time.Hour)
	old := NewHMACIssuer(testSecret, 0, 0).WithClock(func() time.Time { return past })
	pair, err := old.IssuePair(analyst)
	require.NoError(t, err)

	_, err = NewHMACIssuer(testSecret, 0, 0).Refresh(pair.RefreshToken)
	require.ErrorIs(t, err, domain.ErrExpiredToken)
}

func TestInspectAcceptsBothTypes(t *testing.T) {
	iss := NewHMACIssuer(testSecret, 0, 0)
	pair, err := iss.IssuePair(analyst)
	require.NoError(t, err)

	c, err := iss.Inspect(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, TokenAccess, c.Type)

	c, err = iss.Inspect(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenRefresh, c.Type)
	assert.NotEmpty(t, c.ID)
}
