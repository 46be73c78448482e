package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/credit-extractor/constants"
)

// ExtractionJob represents one pipeline run over a document.
type ExtractionJob struct {
	ID              uuid.UUID               `json:"id"`
	DocumentID      uuid.UUID               `json:"document_id"`
	State           constants.JobState      `json:"state"`
	Stage           constants.PipelineStage `json:"stage"`
	Attempts        int                     `json:"attempts"`
	CancelRequested bool                    `json:"cancel_requested"`
	WorkerLog       string                  `json:"worker_log,omitempty"`
	ErrorCode       *string                 `json:"error_code,omitempty"`
	ErrorMessage    *string                 `json:"error_message,omitempty"`
	ResultJSON      json.RawMessage         `json:"result_json,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
}

// Active reports whether the job still owns its document.
func (j *ExtractionJob) Active() bool {
	return j.Stage.Active()
}
