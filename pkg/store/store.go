package store

import (
	"github.com/Promptonauts/fleetci/pkg/models"
)

type Store interface {
	CreateRun(run *models.RunRecord) error
	GetRun(id string) (*models.RunRecord, error)
	UpdateRun(run *models.RunRecord) error
	ListRuns(branch string, limit int) ([]*models.RunRecord, error)

	SaveTaskResult(result models.TaskResult) error
	ListTaskResults(runID string) ([]models.TaskResult, error)
	SaveUploadReport(runID string, report models.UploadReport) error
	ListUploadReports(runID string) ([]models.UploadReport, error)

	AppendRunLog(runID string, log models.RunLog) error
	GetRunLogs(runID string) ([]models.RunLog, error)

	SaveManifest(manifest *models.DeliveryManifest) error
	GetManifest(runID string) (*models.DeliveryManifest, error)
	RecordDelivery(runID string, ack models.DispatchAck) error
	GetDelivery(runID string) (*models.DispatchAck, error)

	Watch() <-chan RunEvent

	Migrate() error
	Close() error
}

type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventUpdated   EventType = "UPDATED"
	EventResult    EventType = "RESULT"
	EventDelivered EventType = "DELIVERED"
)

type RunEvent struct {
	Type   EventType          `json:"type"`
	RunID  string             `json:"runId"`
	Run    *models.RunRecord  `json:"run,omitempty"`
	Result *models.TaskResult `json:"result,omitempty"`
}
