package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/gatekeep/internal/audit"
	jobmetrics "github.com/noah-isme/gatekeep/internal/jobs"
)

// TrailReader supplies the audit entries an export renders.
type TrailReader interface {
	Trail(ctx context.Context, userID int64) ([]audit.Entry, error)
}

// AuditExportJob renders a user's audit trail to a CSV file under the
// export directory. The file name embeds the export id so the caller
// that enqueued the job can find the result.
type AuditExportJob struct {
	Trail   TrailReader
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Dir     string
}

// NewAuditExportJob initialises the export handler.
func NewAuditExportJob(trail TrailReader, logger *slog.Logger, metrics *jobmetrics.Metrics, dir string) *AuditExportJob {
	return &AuditExportJob{Trail: trail, Logger: logger, Metrics: metrics, Dir: dir}
}

// Handle executes one export.
func (j *AuditExportJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Trail == nil {
		return errors.New("audit export: handler not configured")
	}
	var payload AuditExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.ExportID == "" || payload.UserID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAuditExport)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("export_id", payload.ExportID),
		slog.Int64("user_id", payload.UserID),
	)
	start := time.Now()

	entries, err := j.Trail.Trail(ctx, payload.UserID)
	if err != nil {
		resultErr = err
		logger.Error("load audit trail", slog.Any("error", err))
		return resultErr
	}
	data, err := audit.WriteCSV(entries)
	if err != nil {
		resultErr = err
		logger.Error("render csv", slog.Any("error", err))
		return resultErr
	}

	dir := j.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		resultErr = err
		return resultErr
	}
	path := filepath.Join(dir, fmt.Sprintf("audit-%d-%s.csv", payload.UserID, payload.ExportID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		resultErr = err
		logger.Error("write export file", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed audit export",
		slog.String("path", path),
		slog.Int("entries", len(entries)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *AuditExportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditExport))
	}
	return slog.Default().With(slog.String("job", TaskAuditExport))
}

func (j *AuditExportJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
