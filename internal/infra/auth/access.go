package auth

import (
	"context"
	"maps"
	"time"

	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

// AccessContext: права субъекта, выведенные из проверенного токена.
// Неизменяем; создается только Validator. Отсутствие записи о ресурсе = нет доступа.
type AccessContext struct {
	subjectID string
	role      string
	tokenID   string
	resources map[string]domain.Permission
	issuedAt  time.Time
	expiresAt time.Time
}

func newAccessContext(c *Claims, resources map[string]domain.Permission) *AccessContext {
	ac := &AccessContext{
		subjectID: c.Subject,
		role:      c.Role,
		tokenID:   c.ID,
		resources: resources,
	}
	if c.IssuedAt != nil {
		ac.issuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		ac.expiresAt = c.ExpiresAt.Time
	}
	return ac
}

func (a *AccessContext) SubjectID() string    { return a.subjectID }
func (a *AccessContext) Role() string         { return a.role }
func (a *AccessContext) TokenID() string      { return a.tokenID }
func (a *AccessContext) IssuedAt() time.Time  { return a.issuedAt }
func (a *AccessContext) ExpiresAt() time.Time { return a.expiresAt }

// Permission возвращает выданный уровень (PermissionNone, если ресурса нет в токене).
func (a *AccessContext) Permission(resource string) domain.Permission {
	if a == nil {
		return domain.PermissionNone
	}
	return a.resources[resource]
}

// Can: default-deny проверка.
func (a *AccessContext) Can(resource string, required domain.Permission) bool {
	return a.Permission(resource).Satisfies(required)
}

// Resources отдает копию, чтобы вызывающий не мог изменить права.
func (a *AccessContext) Resources() map[string]domain.Permission {
	return maps.Clone(a.resources)
}

type accessKey struct{}

// WithAccess кладет права в контекст (используется HTTP middleware консоли).
func WithAccess(ctx context.Context, ac *AccessContext) context.Context {
	return context.WithValue(ctx, accessKey{}, ac)
}

func AccessFrom(ctx context.Context) (*AccessContext, bool) {
	ac, ok := ctx.Value(accessKey{}).(*AccessContext)
	return ac, ok && ac != nil
}
