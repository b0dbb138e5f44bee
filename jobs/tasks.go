package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueExports holds PDF renders so they never starve housekeeping.
	QueueExports = "exports"

	// TaskReportExport renders a report with its sidenotes to PDF.
	TaskReportExport = "report:export"
	// TaskSessionPurge removes expired session audit rows and old idempotency keys.
	TaskSessionPurge = "session:purge"
)

// ReportExportPayload identifies the report to render.
type ReportExportPayload struct {
	GroupID     int64 `json:"group_id"`
	ReportID    int64 `json:"report_id"`
	RequestedBy int64 `json:"requested_by"`
}

// NewReportExportTask constructs an export task.
func NewReportExportTask(payload ReportExportPayload) (*asynq.Task, error) {
	if payload.GroupID <= 0 || payload.ReportID <= 0 {
		return nil, fmt.Errorf("jobs: report export needs group and report ids")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportExport, data), nil
}

// SessionPurgePayload configures a housekeeping run.
type SessionPurgePayload struct {
	IdempotencyRetentionHours int `json:"idempotency_retention_hours"`
}

// NewSessionPurgeTask constructs a housekeeping task.
func NewSessionPurgeTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(SessionPurgePayload{IdempotencyRetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionPurge, data), nil
}
