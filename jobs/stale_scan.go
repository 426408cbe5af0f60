package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/noah-isme/gatekeep/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// StaleOverrideScanJob walks the override table looking for entries that
// no longer change the resolution outcome: grants a role now covers,
// denies with nothing left to deny, overrides on directors or on
// deactivated users. Stale overrides are reported, never removed; an
// administrator decides what to do with them.
type StaleOverrideScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStaleOverrideScanJob initialises the scan handler.
func NewStaleOverrideScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *StaleOverrideScanJob {
	return &StaleOverrideScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the stale override scan.
func (j *StaleOverrideScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("stale scan: handler not configured")
	}
	var payload StaleOverrideScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskStaleOverrideScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Bool("include_inactive", payload.IncludeInactive))
	logger.Info("starting stale override scan")

	scanned, findings, err := j.scan(ctx, payload)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	byKind := make(map[string]int)
	for _, f := range findings {
		byKind[f.Kind]++
		logger.Warn("stale override detected",
			slog.Int64("user_id", f.UserID),
			slog.String("permission_key", f.PermissionKey),
			slog.String("action", f.Action),
			slog.String("kind", f.Kind),
		)
	}
	for kind, count := range byKind {
		j.metrics().AddStaleOverrides(kind, count)
	}

	logger.Info("completed stale override scan",
		slog.Int("overrides", scanned),
		slog.Int("stale", len(findings)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

type staleFinding struct {
	UserID        int64
	PermissionKey string
	Action        string
	Kind          string
}

func (j *StaleOverrideScanJob) scan(ctx context.Context, payload StaleOverrideScanPayload) (int, []staleFinding, error) {
	if j.Pool == nil {
		return 0, nil, errors.New("stale scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT o.user_id, o.permission_key, o.action, u.is_active, u.is_director,
		       EXISTS (
		           SELECT 1
		           FROM user_roles ur
		           JOIN role_permissions rp ON rp.role_id = ur.role_id
		           WHERE ur.user_id = o.user_id AND rp.permission_key = o.permission_key
		       ) AS role_granted
		FROM user_overrides o
		JOIN users u ON u.id = o.user_id
		ORDER BY o.user_id, o.permission_key`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	scanned := 0
	var findings []staleFinding
	for rows.Next() {
		var userID int64
		var permissionKey, action string
		var isActive, isDirector, roleGranted bool
		if err := rows.Scan(&userID, &permissionKey, &action, &isActive, &isDirector, &roleGranted); err != nil {
			return 0, nil, err
		}
		scanned++
		kind := classifyOverride(action, isActive, isDirector, roleGranted)
		if kind == "" {
			continue
		}
		if kind == "inactive_user" && !payload.IncludeInactive {
			continue
		}
		findings = append(findings, staleFinding{
			UserID:        userID,
			PermissionKey: permissionKey,
			Action:        action,
			Kind:          kind,
		})
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return scanned, findings, nil
}

// classifyOverride names why an override no longer affects resolution.
// Director and inactive checks come first: those users resolve the same
// way regardless of role grants.
func classifyOverride(action string, isActive, isDirector, roleGranted bool) string {
	switch {
	case isDirector:
		return "director"
	case !isActive:
		return "inactive_user"
	case action == "grant" && roleGranted:
		return "redundant_grant"
	case action == "deny" && !roleGranted:
		return "redundant_deny"
	}
	return ""
}

func (j *StaleOverrideScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStaleOverrideScan))
	}
	return slog.Default().With(slog.String("job", TaskStaleOverrideScan))
}

func (j *StaleOverrideScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StaleOverrideScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
