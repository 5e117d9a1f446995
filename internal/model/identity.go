package model

import (
	"strings"

	"mailsync/pkg/rbac"
)

// IdentityProvider 当前会话身份
type IdentityProvider interface {
	IsCurrentUserAdmin() bool
	CurrentUserEmail() string
}

// Identity 会话身份。非 admin 为受限身份，只能看到自己拥有或被分配的记录
type Identity struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func NewIdentity(email, role string) Identity {
	return Identity{
		Email: strings.ToLower(strings.TrimSpace(email)),
		Role:  rbac.NormalizeRole(role),
	}
}

func (i Identity) IsCurrentUserAdmin() bool { return rbac.IsAdmin(i.Role) }

func (i Identity) CurrentUserEmail() string { return i.Email }

// Key 会话/缓存键
func (i Identity) Key() string {
	return i.Role + ":" + i.Email
}

// Scope 用于日志和指标标签
func (i Identity) Scope() string {
	if i.IsCurrentUserAdmin() {
		return "admin"
	}
	return "scoped"
}
