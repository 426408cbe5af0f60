// Package access implements the permission resolution rules: the strict
// precedence between the director bypass, per-user custom overrides and
// role-derived grants. Everything here is pure computation over inputs
// supplied by the caller.
package access

// Resolve computes the access state for one (user, permission) pair.
//
// Precedence, first match wins: director bypass, custom override, role
// grant, no access. roleGrants is the set of role names that would grant
// the permission; override is nil when no custom override exists for the
// pair. Resolve never fails and performs no I/O.
func Resolve(subject Subject, override *Override, roleGrants []string) State {
	if subject.IsDirector {
		return StateDirector
	}
	if override != nil {
		if override.Action == ActionGrant {
			return StateCustomGrant
		}
		return StateCustomDeny
	}
	if len(roleGrants) > 0 {
		return StateRoleGranted
	}
	return StateNoAccess
}

// NextCommands maps a resolved state to the mutations a caller may request
// next for that cell. Director cells accept no mutation at all.
func NextCommands(state State) []Command {
	switch state {
	case StateDirector:
		return nil
	case StateNoAccess:
		return []Command{CommandGrant}
	case StateRoleGranted:
		return []Command{CommandDeny}
	case StateCustomGrant, StateCustomDeny:
		return []Command{CommandRemove}
	}
	return nil
}
