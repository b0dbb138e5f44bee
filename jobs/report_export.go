package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/phd-nexus/nexus/internal/jobs"
	"github.com/phd-nexus/nexus/internal/shared"
)

// ReportExporter renders a report of a group to PDF.
type ReportExporter interface {
	ExportReport(ctx context.Context, groupID, reportID int64) ([]byte, error)
}

// ReportExportJob writes rendered reports into a directory.
type ReportExportJob struct {
	Exporter ReportExporter
	Dir      string
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewReportExportJob initialises the export handler.
func NewReportExportJob(exporter ReportExporter, dir string, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportExportJob {
	return &ReportExportJob{Exporter: exporter, Dir: dir, Logger: logger, Metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *ReportExportJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Exporter == nil {
		return errors.New("report export: handler not configured")
	}
	var payload ReportExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.GroupID <= 0 || payload.ReportID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskReportExport)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Int64("group_id", payload.GroupID), slog.Int64("report_id", payload.ReportID))
	pdf, err := j.Exporter.ExportReport(ctx, payload.GroupID, payload.ReportID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("report gone before export")
			return fmt.Errorf("report export: %w: %v", asynq.SkipRetry, err)
		}
		logger.Error("render report", slog.Any("error", err))
		return err
	}
	path, err := j.save(payload, pdf)
	if err != nil {
		logger.Error("store export", slog.Any("error", err))
		return err
	}
	j.Metrics.IncExported()
	logger.Info("report exported", slog.String("file", path), slog.Int("bytes", len(pdf)), slog.Int64("requested_by", payload.RequestedBy))
	return nil
}

// ExportPath is where the export of a report is stored under dir.
func ExportPath(dir string, groupID, reportID int64) string {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "nexus-exports")
	}
	return filepath.Join(dir, fmt.Sprintf("group-%d", groupID), fmt.Sprintf("report-%d.pdf", reportID))
}

func (j *ReportExportJob) save(payload ReportExportPayload, pdf []byte) (string, error) {
	path := ExportPath(j.Dir, payload.GroupID, payload.ReportID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pdf, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}

func (j *ReportExportJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
