package job

import "time"

type Kind string

const (
	KindUploadIngest  Kind = "upload_ingest"
	KindImageDownload Kind = "image_download"
	KindEnhancement   Kind = "enhancement"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAnalyzing Status = "analyzing"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is the polymorphic record for one unit of asynchronous work. Kind
// discriminates what OwnerRef points at: an upload transfer, a task, or a
// location type. Progress counters are owned exclusively by the worker
// holding the lease.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	OwnerRef    string     `json:"ownerRef"`
	Total       int64      `json:"totalUnits"`
	Processed   int64      `json:"processedUnits"`
	Succeeded   int64      `json:"succeededUnits"`
	Failed      int64      `json:"failedUnits"`
	Skipped     int64      `json:"skippedUnits"`
	Stage       string     `json:"stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	LeaseOwner  string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a worker currently owns the job.
func (s Status) Active() bool {
	return s == StatusAnalyzing || s == StatusRunning
}

// ValidTransition enforces the allowed state machine edges. Analyzing is an
// extra phase only upload ingestion passes through.
func ValidTransition(kind Kind, from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusRunning, StatusFailed, StatusCancelled:
			return true
		case StatusAnalyzing:
			return kind == KindUploadIngest
		}
	case StatusAnalyzing:
		switch to {
		case StatusRunning, StatusFailed, StatusCancelled:
			return true
		}
	case StatusRunning:
		switch to {
		case StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
			return true
		case StatusAnalyzing:
			// A claimed upload job enters its analyzing phase before row
			// streaming begins.
			return kind == KindUploadIngest
		}
	case StatusPaused:
		switch to {
		case StatusRunning, StatusFailed, StatusCancelled:
			return true
		}
	}
	return false
}

// Progress carries a worker's cumulative per-outcome counts. Counters are
// absolute, not deltas: merging takes the per-counter maximum so duplicate or
// out-of-order reports from a restarted worker can never regress a job.
type Progress struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
	Stage     string
}

// Filter narrows List results. Zero-value fields match everything.
type Filter struct {
	Kind     Kind
	Status   Status
	OwnerRef string
}
