package core

import "github.com/pkg/errors"

// Roles
const (
	RolePlatformAdmin = "platform:admin"
	RoleSchoolAdmin   = "school:admin"
	RoleSecretary     = "school:secretary"
	RoleParent        = "parent"
)

var ErrPermissionDenied = errors.New("permission denied")

// AuthContext carries the verified identity and environment mode of the
// caller. It is passed explicitly into every tenant-scoped and
// platform-scoped operation; nothing reads ambient session state.
type AuthContext struct {
	Subject   string
	Email     string
	TenantID  int
	Subdomain string
	Roles     []string
	Env       string
	StudentID int // set for parent-portal sessions only
}

func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a AuthContext) IsPlatformAdmin() bool { return a.HasRole(RolePlatformAdmin) }

// RequirePlatformAdmin gates destructive platform-scoped operations: the
// caller must hold the platform role and, outside PROD, must match the
// configured platform admin identity.
func (a AuthContext) RequirePlatformAdmin(conf *Config) error {
	if !a.IsPlatformAdmin() {
		return ErrPermissionDenied
	}
	if a.Env != "PROD" && conf.PlatformAdminEmail != "" && a.Email != conf.PlatformAdminEmail {
		return ErrPermissionDenied
	}
	return nil
}

// RequireTenant ensures the caller is scoped to the given tenant; platform
// admins pass for any tenant.
func (a AuthContext) RequireTenant(tenantID int) error {
	if a.IsPlatformAdmin() {
		return nil
	}
	if a.TenantID != tenantID {
		return ErrPermissionDenied
	}
	return nil
}
