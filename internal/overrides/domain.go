package overrides

import (
	"time"

	"github.com/noah-isme/gatekeep/internal/access"
)

// Override is an explicit per-user exception superseding role-derived
// access for one permission key. At most one override exists per
// (user, permission) pair; a new write replaces the previous one.
type Override struct {
	UserID        int64                 `json:"userId"`
	PermissionKey string                `json:"permissionKey"`
	Action        access.OverrideAction `json:"action"`
	Reason        string                `json:"reason,omitempty"`
	GrantedBy     int64                 `json:"grantedBy"`
	GrantedByName string                `json:"grantedByName,omitempty"`
	GrantedAt     time.Time             `json:"grantedAt"`

	// Version increments on every replacement and backs the
	// compare-and-swap that turns lost races into Conflict errors.
	Version int64 `json:"version"`
}

// MaxReasonLength bounds the optional justification text.
const MaxReasonLength = 500
