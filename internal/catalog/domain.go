package catalog

// Permission represents one grantable capability keyed "<module>.<action>".
type Permission struct {
	Key         string `json:"permissionKey"`
	Module      string `json:"module"`
	Action      string `json:"action"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ModuleGroup collects the permissions of one module in catalog order.
type ModuleGroup struct {
	Module      string
	Permissions []Permission
}
