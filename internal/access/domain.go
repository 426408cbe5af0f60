package access

// State is the resolved access state for one (user, permission) pair.
type State string

const (
	// StateDirector marks users whose director flag bypasses all other rules.
	StateDirector State = "DIRECTOR"
	// StateCustomGrant marks access granted by an explicit per-user override.
	StateCustomGrant State = "CUSTOM_GRANT"
	// StateCustomDeny marks access denied by an explicit per-user override.
	StateCustomDeny State = "CUSTOM_DENY"
	// StateRoleGranted marks access derived from at least one assigned role.
	StateRoleGranted State = "ROLE_GRANTED"
	// StateNoAccess marks the absence of any grant.
	StateNoAccess State = "NO_ACCESS"
)

// Valid reports whether s is one of the five resolved states.
func (s State) Valid() bool {
	switch s {
	case StateDirector, StateCustomGrant, StateCustomDeny, StateRoleGranted, StateNoAccess:
		return true
	}
	return false
}

// Granted reports whether the state amounts to effective access.
func (s State) Granted() bool {
	switch s {
	case StateDirector, StateCustomGrant, StateRoleGranted:
		return true
	}
	return false
}

// OverrideAction is the kind of a custom override.
type OverrideAction string

const (
	// ActionGrant grants the permission regardless of role grants.
	ActionGrant OverrideAction = "grant"
	// ActionDeny denies the permission regardless of role grants.
	ActionDeny OverrideAction = "deny"
)

// Valid reports whether a is a known override action.
func (a OverrideAction) Valid() bool {
	return a == ActionGrant || a == ActionDeny
}

// Command is the mutation a caller may request for a cell.
type Command string

const (
	// CommandGrant creates or replaces an override granting the permission.
	CommandGrant Command = "grant"
	// CommandDeny creates or replaces an override denying the permission.
	CommandDeny Command = "deny"
	// CommandRemove deletes the override and reverts to role-derived access.
	CommandRemove Command = "remove"
)

// Subject carries the identity facts the resolver needs about a user.
type Subject struct {
	ID         int64
	IsActive   bool
	IsDirector bool
}

// Override is the resolver's view of a custom override for one pair.
type Override struct {
	Action OverrideAction
}
