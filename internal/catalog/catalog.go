// Package catalog holds the immutable permission catalog: every known
// permission key, grouped by module, loaded once at process start.
package catalog

import (
	"strings"

	"github.com/noah-isme/gatekeep/internal/shared"
)

// Catalog is the immutable set of known permissions. Build it once at
// startup; all methods are safe for concurrent reads.
type Catalog struct {
	permissions []Permission
	byKey       map[string]Permission
	modules     []string
}

// New builds a catalog from the given permissions, preserving their order.
// Duplicate or malformed keys are rejected.
func New(perms []Permission) (*Catalog, error) {
	c := &Catalog{
		permissions: make([]Permission, 0, len(perms)),
		byKey:       make(map[string]Permission, len(perms)),
	}
	seenModule := make(map[string]struct{})
	for _, p := range perms {
		module, action, err := ParseKey(p.Key)
		if err != nil {
			return nil, err
		}
		if _, ok := c.byKey[p.Key]; ok {
			return nil, shared.Validationf("duplicate permission key %q", p.Key)
		}
		p.Module = module
		p.Action = action
		if p.Label == "" {
			p.Label = Label(p.Key)
		}
		c.byKey[p.Key] = p
		c.permissions = append(c.permissions, p)
		if _, ok := seenModule[module]; !ok {
			seenModule[module] = struct{}{}
			c.modules = append(c.modules, module)
		}
	}
	return c, nil
}

// ParseKey splits a permission key into module and action. Keys have the
// shape "<module>.<action>" with both parts non-empty and limited to
// letters, digits and underscores.
func ParseKey(key string) (module, action string, err error) {
	dot := strings.IndexByte(key, '.')
	if dot <= 0 || dot == len(key)-1 {
		return "", "", shared.Validationf("malformed permission key %q", key)
	}
	module, action = key[:dot], key[dot+1:]
	if !validSegment(module) || !validSegment(action) {
		return "", "", shared.Validationf("malformed permission key %q", key)
	}
	return module, action, nil
}

func validSegment(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return s != ""
}

// Permissions returns the catalog in its load order (module-grouped).
func (c *Catalog) Permissions() []Permission {
	out := make([]Permission, len(c.permissions))
	copy(out, c.permissions)
	return out
}

// Get returns the permission for key.
func (c *Catalog) Get(key string) (Permission, bool) {
	p, ok := c.byKey[key]
	return p, ok
}

// Has reports whether key is a known permission.
func (c *Catalog) Has(key string) bool {
	_, ok := c.byKey[key]
	return ok
}

// Modules returns module names in first-appearance order.
func (c *Catalog) Modules() []string {
	out := make([]string, len(c.modules))
	copy(out, c.modules)
	return out
}

// Groups returns permissions grouped per module, preserving order.
func (c *Catalog) Groups() []ModuleGroup {
	groups := make([]ModuleGroup, 0, len(c.modules))
	index := make(map[string]int, len(c.modules))
	for _, m := range c.modules {
		index[m] = len(groups)
		groups = append(groups, ModuleGroup{Module: m})
	}
	for _, p := range c.permissions {
		i := index[p.Module]
		groups[i].Permissions = append(groups[i].Permissions, p)
	}
	return groups
}

// Len returns the number of permissions in the catalog.
func (c *Catalog) Len() int {
	return len(c.permissions)
}

// Label converts a permission key into a readable label, splitting
// camelCase module names: "accountStatements.view" becomes
// "account statements view".
func Label(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r - 'A' + 'a')
		case r == '.' || r == '_':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
