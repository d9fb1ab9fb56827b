package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillSync runs one consolidation and ledger sync over an export file.
	TaskBillSync = "billsync:run"
	// DefaultMaxRetry bounds asynq retries of a failed run.
	DefaultMaxRetry = 5
)

// BillSyncPayload describes the export to sync.
type BillSyncPayload struct {
	Source         string `json:"source"`
	PolicyFile     string `json:"policy_file,omitempty"`
	UpdateExisting bool   `json:"update_existing"`
}

// NewBillSyncTask constructs an Asynq task.
func NewBillSyncTask(payload BillSyncPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.Source) == "" {
		return nil, fmt.Errorf("jobs: %s: source is required", TaskBillSync)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillSync, data, asynq.Queue(QueueDefault), asynq.MaxRetry(DefaultMaxRetry)), nil
}

func decodeBillSyncPayload(data []byte) (BillSyncPayload, error) {
	var payload BillSyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return BillSyncPayload{}, fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	payload.Source = strings.TrimSpace(payload.Source)
	if payload.Source == "" {
		return BillSyncPayload{}, fmt.Errorf("payload without source: %w", asynq.SkipRetry)
	}
	return payload, nil
}
