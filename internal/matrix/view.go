package matrix

import (
	"strings"
	"time"

	"github.com/noah-isme/gatekeep/internal/access"
	"github.com/noah-isme/gatekeep/internal/catalog"
	"github.com/noah-isme/gatekeep/internal/grants"
	"github.com/noah-isme/gatekeep/internal/overrides"
)

// Filter narrows the matrix snapshot server-side.
type Filter struct {
	Query        string
	HideInactive bool
	CustomOnly   bool
	Modules      []string
	Preset       string
}

// MatrixUser is one row of the snapshot: the user plus everything needed
// to resolve each of their cells without further queries.
type MatrixUser struct {
	ID         int64                         `json:"id"`
	FullName   string                        `json:"fullName"`
	Email      string                        `json:"email"`
	IsActive   bool                          `json:"isActive"`
	IsDirector bool                          `json:"isDirector"`
	RoleNames  []string                      `json:"roleDisplayNames"`
	RoleGrants grants.GrantSet               `json:"roleGrants"`
	Overrides  map[string]overrides.Override `json:"customOverrides"`
	Granted    int                           `json:"grantedCount"`
}

// Snapshot is a request-scoped, read-only view of the matrix. It carries
// enough to resolve every visible cell without touching the stores again.
type Snapshot struct {
	Users               []MatrixUser         `json:"users"`
	Permissions         []catalog.Permission `json:"permissions"`
	Modules             []string             `json:"modules"`
	CustomOverrideUsers int                  `json:"customOverrideUsers"`
	GeneratedAt         time.Time            `json:"generatedAt"`
}

// Cell is the resolved state of one (user, permission) pair plus the
// provenance text and the follow-up mutations a caller may request.
type Cell struct {
	State    access.State     `json:"state"`
	Granted  bool             `json:"granted"`
	Source   string           `json:"source"`
	Commands []access.Command `json:"commands"`
}

// Cell resolves one pair from the snapshot.
func (s *Snapshot) Cell(user MatrixUser, permissionKey string) Cell {
	subject := access.Subject{ID: user.ID, IsActive: user.IsActive, IsDirector: user.IsDirector}
	var ovRef *access.Override
	ov, hasOverride := user.Overrides[permissionKey]
	if hasOverride {
		ovRef = &access.Override{Action: ov.Action}
	}
	roleGrants := user.RoleGrants[permissionKey]
	state := access.Resolve(subject, ovRef, roleGrants)
	return Cell{
		State:    state,
		Granted:  state.Granted(),
		Source:   cellSource(state, ov, roleGrants),
		Commands: access.NextCommands(state),
	}
}

func cellSource(state access.State, ov overrides.Override, roleGrants []string) string {
	switch state {
	case access.StateDirector:
		return "Director: full access"
	case access.StateCustomGrant, access.StateCustomDeny:
		label := "Custom grant"
		if state == access.StateCustomDeny {
			label = "Custom deny"
		}
		var b strings.Builder
		b.WriteString(label)
		if ov.GrantedByName != "" {
			b.WriteString(" by ")
			b.WriteString(ov.GrantedByName)
		}
		if ov.Reason != "" {
			b.WriteString(", reason: ")
			b.WriteString(ov.Reason)
		}
		return b.String()
	case access.StateRoleGranted:
		return "Granted by: " + strings.Join(roleGrants, ", ")
	}
	return "Not granted"
}

// buildSnapshot assembles and filters the snapshot from raw store reads.
func buildSnapshot(
	cat *catalog.Catalog,
	users []grants.User,
	grantsByUser map[int64]grants.GrantSet,
	overridesByUser map[int64]map[string]overrides.Override,
	filter Filter,
	now time.Time,
) *Snapshot {
	perms := visiblePermissions(cat, filter)
	moduleSet := make(map[string]struct{})
	for _, p := range perms {
		moduleSet[p.Module] = struct{}{}
	}
	modules := make([]string, 0, len(moduleSet))
	for _, m := range cat.Modules() {
		if _, ok := moduleSet[m]; ok {
			modules = append(modules, m)
		}
	}

	customUsers := 0
	for _, byKey := range overridesByUser {
		if len(byKey) > 0 {
			customUsers++
		}
	}

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	rows := make([]MatrixUser, 0, len(users))
	for _, u := range users {
		if filter.HideInactive && !u.IsActive {
			continue
		}
		userOverrides := overridesByUser[u.ID]
		if filter.CustomOnly && len(userOverrides) == 0 {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(u.FullName), query) &&
			!strings.Contains(strings.ToLower(u.Email), query) {
			continue
		}
		row := MatrixUser{
			ID:         u.ID,
			FullName:   u.FullName,
			Email:      u.Email,
			IsActive:   u.IsActive,
			IsDirector: u.IsDirector,
			RoleNames:  u.RoleNames,
			RoleGrants: grantsByUser[u.ID],
			Overrides:  userOverrides,
		}
		if row.RoleGrants == nil {
			row.RoleGrants = grants.GrantSet{}
		}
		if row.Overrides == nil {
			row.Overrides = map[string]overrides.Override{}
		}
		rows = append(rows, row)
	}

	snap := &Snapshot{
		Users:               rows,
		Permissions:         perms,
		Modules:             modules,
		CustomOverrideUsers: customUsers,
		GeneratedAt:         now.UTC(),
	}
	for i := range snap.Users {
		granted := 0
		for _, p := range perms {
			if snap.Cell(snap.Users[i], p.Key).Granted {
				granted++
			}
		}
		snap.Users[i].Granted = granted
	}
	return snap
}

func visiblePermissions(cat *catalog.Catalog, filter Filter) []catalog.Permission {
	modules := filter.Modules
	if filter.Preset != "" {
		if preset, ok := catalog.Preset(filter.Preset); ok {
			modules = preset
		}
	}
	if len(modules) == 0 {
		return cat.Permissions()
	}
	allowed := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		allowed[m] = struct{}{}
	}
	var perms []catalog.Permission
	for _, p := range cat.Permissions() {
		if _, ok := allowed[p.Module]; ok {
			perms = append(perms, p)
		}
	}
	return perms
}
