package rbac

import "strings"

// 权限常量
const (
	// 读取全部邮件（不受 owner/assignee 限制）
	PermissionReadAllEmails = "email:read_all"
	// 直接查询文档库聚合计数
	PermissionRemoteCount = "email:count_remote"
	// 修改星标、软删除
	PermissionModifyEmail = "email:update"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionModifyEmail,
	},
	RoleAdmin: {
		PermissionReadAllEmails,
		PermissionRemoteCount,
		PermissionModifyEmail,
	},
}

// NormalizeRole 未知角色一律按 user 处理
func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := rolePermissions[role]; ok {
		return role
	}
	return RoleUser
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[NormalizeRole(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// IsAdmin 是否为特权身份
func IsAdmin(role string) bool {
	return HasPermission(role, PermissionReadAllEmails)
}

// CheckPermission 返回错误而不是布尔值，便于 handler 处理
func CheckPermission(identity, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{Identity: identity, Permission: permission}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Identity   string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
