package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// ProcessingJob tracks one ingestion run.
type ProcessingJob struct {
	ID                 string     `json:"id"`
	UploadJobID        string     `json:"upload_job_id"`
	Filename           string     `json:"filename,omitempty"`
	Status             JobStatus  `json:"status"`
	RecordsProcessed   int        `json:"records_processed"`
	ErrorCount         int        `json:"error_count"`
	ProgressPercentage float64    `json:"progress_percentage"`
	BatchSize          int        `json:"batch_size"`
	FactsSaved         int64      `json:"facts_saved"`
	QualityScore       float64    `json:"quality_score"`
	Message            string     `json:"message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Transition moves the job to next, stamping start/completion times.
//
// Allowed: PENDING->RUNNING, PENDING->FAILED, RUNNING->COMPLETED, RUNNING->FAILED.
func (j *ProcessingJob) Transition(next JobStatus, now time.Time) error {
	ok := false
	switch j.Status {
	case JobPending:
		ok = next == JobRunning || next == JobFailed
	case JobRunning:
		ok = next == JobCompleted || next == JobFailed
	}
	if !ok {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, next)
	}
	j.Status = next
	switch next {
	case JobRunning:
		j.StartedAt = &now
	case JobCompleted, JobFailed:
		j.CompletedAt = &now
	}
	return nil
}
