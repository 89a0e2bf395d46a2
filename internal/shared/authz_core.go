package shared

// Built-in auth items shipped with the identity service. Installations extend
// them through policy files.
const (
	PermViewUsers       = "viewUsers"
	PermCreateUsers     = "createUsers"
	PermEditUsers       = "editUsers"
	PermDeleteUsers     = "deleteUsers"
	PermChangePasswords = "changeUserPassword"
	PermAssignRoles     = "assignRolesToUsers"
	PermManageRoles     = "manageRoles"
	PermViewRoles       = "viewRoles"

	// CommonPermission groups routes that every visitor may reach.
	CommonPermission = "commonPermission"
)

// CoreScopes lists every built-in permission.
func CoreScopes() []string {
	return []string{
		PermViewUsers,
		PermCreateUsers,
		PermEditUsers,
		PermDeleteUsers,
		PermChangePasswords,
		PermAssignRoles,
		PermManageRoles,
		PermViewRoles,
	}
}
