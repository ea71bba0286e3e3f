package market

import "time"

// JobName identifies a scheduled ingestion job.
type JobName string

// Known jobs.
const (
	JobDailyPrices  JobName = "daily-prices"
	JobWeeklyPrices JobName = "weekly-prices"
	JobFundamentals JobName = "fundamentals"
)

// RunStatus represents the lifecycle state of a job run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is persisted for each orchestrated run.
type RunRecord struct {
	ID         string    `json:"id" db:"id"`
	Job        JobName   `json:"job" db:"job"`
	Status     RunStatus `json:"status" db:"status"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Attempts   int       `json:"attempts" db:"attempts"`
	Error      string    `json:"error,omitempty" db:"error_text"`
}
