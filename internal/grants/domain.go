package grants

// User is the read-only identity projection this service consumes. Users
// are created and deactivated by the identity subsystem; only id, the
// active flag and the director flag matter for resolution.
type User struct {
	ID         int64
	Email      string
	FullName   string
	IsActive   bool
	IsDirector bool
	RoleNames  []string
}

// GrantSet maps a permission key to the names of the roles granting it
// for one user. An empty or missing entry means no role-derived access.
type GrantSet map[string][]string
