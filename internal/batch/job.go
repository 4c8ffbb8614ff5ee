package batch

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a batch job
type JobStatus string

// Possible job status values
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// DefaultJobType is used when a request does not name a job type.
const DefaultJobType = "annotation_generation"

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is pending or processing.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// Metadata records the inputs and resolved configuration of a job run.
type Metadata struct {
	ItemIDs            []string `json:"itemIds"`
	Concurrency        int      `json:"concurrency"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute"`
	BurstCapacity      int      `json:"burstCapacity"`
	Tier               Tier     `json:"tier"`
	MaxAttempts        int      `json:"maxAttempts"`
	RetryBaseDelayMs   int64    `json:"retryBaseDelayMs"`
	// Owner is the InstanceID of the coordinator running the job.
	Owner string `json:"owner,omitempty"`
}

// Job is the persisted record of one batch submission.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	JobType         string     `json:"jobType"`
	Status          JobStatus  `json:"status"`
	TotalItems      int        `json:"totalItems"`
	ProcessedItems  int        `json:"processedItems"`
	SuccessfulItems int        `json:"successfulItems"`
	FailedItems     int        `json:"failedItems"`
	Metadata        Metadata   `json:"metadata"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	CancelledAt     *time.Time `json:"cancelledAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// JobError records an item whose retry budget was exhausted. It is immutable
// once created.
type JobError struct {
	ID            uuid.UUID `json:"id"`
	JobID         uuid.UUID `json:"jobId"`
	ItemID        string    `json:"itemId"`
	ErrorMessage  string    `json:"errorMessage"`
	AttemptNumber int       `json:"attemptNumber"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CounterDelta is an increment applied atomically to a job's counters.
type CounterDelta struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// IsZero reports whether applying d would change nothing.
func (d CounterDelta) IsZero() bool {
	return d.Processed == 0 && d.Successful == 0 && d.Failed == 0
}

// Add returns the sum of d and other.
func (d CounterDelta) Add(other CounterDelta) CounterDelta {
	return CounterDelta{
		Processed:  d.Processed + other.Processed,
		Successful: d.Successful + other.Successful,
		Failed:     d.Failed + other.Failed,
	}
}

// Apply adds d to the job's counters.
func (j *Job) Apply(d CounterDelta) {
	j.ProcessedItems += d.Processed
	j.SuccessfulItems += d.Successful
	j.FailedItems += d.Failed
}

// SetStatus moves the job to status and stamps the matching timestamp.
// Failed jobs record their end time in CompletedAt.
func (j *Job) SetStatus(status JobStatus, at time.Time) {
	j.Status = status
	j.UpdatedAt = at
	switch status {
	case JobStatusProcessing:
		j.StartedAt = &at
	case JobStatusCompleted, JobStatusFailed:
		j.CompletedAt = &at
	case JobStatusCancelled:
		j.CancelledAt = &at
	}
}

// Progress is a point-in-time view of a job, returned by status queries.
type Progress struct {
	JobID           uuid.UUID  `json:"jobId"`
	JobType         string     `json:"jobType"`
	Status          JobStatus  `json:"status"`
	TotalItems      int        `json:"totalItems"`
	ProcessedItems  int        `json:"processedItems"`
	SuccessfulItems int        `json:"successfulItems"`
	FailedItems     int        `json:"failedItems"`
	Percentage      float64    `json:"percentage"`
	CurrentItem     string     `json:"currentItem,omitempty"`
	RecentErrors    []JobError `json:"recentErrors"`
	// EstimatedSecondsRemaining is nil until at least one item has finished.
	EstimatedSecondsRemaining *float64   `json:"estimatedSecondsRemaining,omitempty"`
	CreatedAt                 time.Time  `json:"createdAt"`
	StartedAt                 *time.Time `json:"startedAt,omitempty"`
	CompletedAt               *time.Time `json:"completedAt,omitempty"`
	CancelledAt               *time.Time `json:"cancelledAt,omitempty"`
}

// ProgressFromJob builds a Progress view of job as of now.
// The ETA extrapolates the average wall time per processed item, which
// already accounts for the job's concurrency.
func ProgressFromJob(job *Job, recent []JobError, currentItem string, now time.Time) Progress {
	p := Progress{
		JobID:           job.ID,
		JobType:         job.JobType,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		ProcessedItems:  job.ProcessedItems,
		SuccessfulItems: job.SuccessfulItems,
		FailedItems:     job.FailedItems,
		CurrentItem:     currentItem,
		RecentErrors:    recent,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		CancelledAt:     job.CancelledAt,
	}
	if p.RecentErrors == nil {
		p.RecentErrors = []JobError{}
	}

	if job.TotalItems > 0 {
		p.Percentage = math.Round(float64(job.ProcessedItems)/float64(job.TotalItems)*10000) / 100
	}

	if job.Status == JobStatusProcessing && job.StartedAt != nil && job.ProcessedItems > 0 {
		elapsed := now.Sub(*job.StartedAt).Seconds()
		remaining := job.TotalItems - job.ProcessedItems
		eta := elapsed / float64(job.ProcessedItems) * float64(remaining)
		if eta < 0 {
			eta = 0
		}
		p.EstimatedSecondsRemaining = &eta
	}

	return p
}

// Stats aggregates counters across the jobs tracked in memory.
type Stats struct {
	ActiveJobs      int `json:"activeJobs"`
	TrackedJobs     int `json:"trackedJobs"`
	TotalProcessed  int `json:"totalProcessed"`
	TotalSuccessful int `json:"totalSuccessful"`
	TotalFailed     int `json:"totalFailed"`
}
