// Package audit keeps the immutable trail of override changes. Entries
// are appended in the same transaction as the override write and are
// never updated or deleted.
package audit

import (
	"time"

	"github.com/noah-isme/gatekeep/internal/access"
)

// Entry is one immutable audit record. PreviousState and NewState are the
// resolved states captured at the time of the change, so history stays
// accurate even when role grants change afterwards.
type Entry struct {
	ID            int64        `json:"id"`
	UserID        int64        `json:"userId"`
	PermissionKey string       `json:"permissionKey"`
	PreviousState access.State `json:"previousState"`
	NewState      access.State `json:"newState"`
	ActorID       int64        `json:"actorId"`
	ActorName     string       `json:"actorName"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}
