package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// claimSeparator разделяет ресурс и уровень доступа: "sales_db::read".
const claimSeparator = "::"

// Claims: полезная нагрузка токена: sub, prisms, role, type, jti, exp, iat, nbf.
type Claims struct {
	Prisms []string  `json:"prisms"`
	Role   string    `json:"role,omitempty"`
	Type   TokenType `json:"type"`
	jwt.RegisteredClaims
}

// ParsePrismClaims разбирает список "resource::permission".
// При дубликатах побеждает наивысший уровень (admin > write > read).
func ParsePrismClaims(entries []string) (map[string]domain.Permission, error) {
	resources := make(map[string]domain.Permission, len(entries))
	for _, entry := range entries {
		resource, level, ok := strings.Cut(entry, claimSeparator)
		resource = strings.TrimSpace(resource)
		if !ok || resource == "" || strings.Contains(level, claimSeparator) {
			return nil, fmt.Errorf("%w: entry %q is not resource::permission", domain.ErrMalformedClaims, entry)
		}
		perm, known := domain.ParsePermission(level)
		if !known {
			return nil, fmt.Errorf("%w: unknown permission %q for %s", domain.ErrMalformedClaims, level, resource)
		}
		if perm > resources[resource] {
			resources[resource] = perm
		}
	}
	return resources, nil
}
