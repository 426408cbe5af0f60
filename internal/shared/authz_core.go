package shared

// Permissions guarding the matrix administration surface itself.
const (
	PermMatrixView = "permissions.view"
	PermMatrixEdit = "permissions.edit"

	PermAuditView = "audit.view"
)

// AdminScopes lists all permissions the service consults for its own
// administration endpoints.
func AdminScopes() []string {
	return []string{
		PermMatrixView,
		PermMatrixEdit,
		PermAuditView,
	}
}
