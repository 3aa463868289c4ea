package domain

import "strings"

// Permission: уровень доступа к призме. Уровни упорядочены: admin > write > read.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParsePermission принимает только известные строки; "none" в токене не допускается.
func ParsePermission(s string) (Permission, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return PermissionRead, true
	case "write":
		return PermissionWrite, true
	case "admin":
		return PermissionAdmin, true
	default:
		return PermissionNone, false
	}
}

// Satisfies сообщает, покрывает ли выданный уровень требуемый.
func (p Permission) Satisfies(required Permission) bool {
	return p != PermissionNone && p >= required
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
