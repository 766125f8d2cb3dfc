package auth

// Permission names checked by the dispatcher before commands reach managers.
const (
	PermOrgView       = "org.view"
	PermOrgManage     = "org.manage"
	PermOrgDelete     = "org.delete"
	PermMembersView   = "members.view"
	PermMembersInvite = "members.invite"
	PermMembersRemove = "members.remove"
	PermTeamsCreate   = "teams.create"
	PermTeamsManage   = "teams.manage"
	PermAgentsView    = "agents.view"
	PermAgentsSpawn   = "agents.spawn"
	PermFSRead        = "fs.read"
	PermFSWrite       = "fs.write"
	PermPluginsManage = "plugins.manage"
)

// Org-scoped roles, strongest first.
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleViewer  = "viewer"
)

// rolePermissions is the role to permission matrix. Lookup is
// rolePermissions[role][permission].
var rolePermissions = map[string]map[string]bool{
	RoleOwner: {
		PermOrgView: true, PermOrgManage: true, PermOrgDelete: true,
		PermMembersView: true, PermMembersInvite: true, PermMembersRemove: true,
		PermTeamsCreate: true, PermTeamsManage: true,
		PermAgentsView: true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true,
		PermPluginsManage: true,
	},
	RoleAdmin: {
		PermOrgView: true, PermOrgManage: true,
		PermMembersView: true, PermMembersInvite: true, PermMembersRemove: true,
		PermTeamsCreate: true, PermTeamsManage: true,
		PermAgentsView: true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true,
		PermPluginsManage: true,
	},
	RoleManager: {
		PermOrgView:     true,
		PermMembersView: true, PermMembersInvite: true,
		PermTeamsCreate: true, PermTeamsManage: true,
		PermAgentsView: true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true,
	},
	RoleMember: {
		PermOrgView:     true,
		PermMembersView: true,
		PermAgentsView:  true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true,
	},
	RoleViewer: {
		PermOrgView:     true,
		PermMembersView: true,
		PermAgentsView:  true,
		PermFSRead:      true,
	},
}

// roleAllows reports whether an org role grants a permission.
func roleAllows(role, permission string) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	return perms[permission]
}
