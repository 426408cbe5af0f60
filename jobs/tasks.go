// Package jobs holds the asynq task definitions and handlers that run
// outside the request path.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStaleOverrideScan reports overrides made redundant by role changes.
	TaskStaleOverrideScan = "override:stale_scan"
	// TaskAuditExport renders an audit trail to a CSV file.
	TaskAuditExport = "audit:export"
)

// StaleOverrideScanPayload configures one scan run.
type StaleOverrideScanPayload struct {
	// IncludeInactive also flags overrides held by deactivated users.
	IncludeInactive bool `json:"includeInactive"`
}

// NewStaleOverrideScanTask constructs an Asynq task.
func NewStaleOverrideScanTask(payload StaleOverrideScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStaleOverrideScan, data), nil
}

// AuditExportPayload describes one requested audit export.
type AuditExportPayload struct {
	ExportID    string `json:"exportId"`
	UserID      int64  `json:"userId"`
	RequestedBy string `json:"requestedBy"`
}

// NewAuditExportTask constructs an Asynq task.
func NewAuditExportTask(payload AuditExportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditExport, data), nil
}
