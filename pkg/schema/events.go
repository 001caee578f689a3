// pkg/schema/events.go
package schema

import "encoding/json"

// Header keys carried on job messages.
const (
	HeaderRetryCount = "Retry-Count"
	HeaderNotBefore  = "Not-Before"
	HeaderFailure    = "Failure-Type"
)

// JobMessage is the inbound queue envelope body for one analysis job.
type JobMessage struct {
	JobID          string          `json:"job_id"`
	UserID         string          `json:"user_id"`
	ContactInfo    string          `json:"contact_info,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	AssessmentName string          `json:"assessment_name"`
	RetryCount     int             `json:"retry_count"`
	Timestamp      int64           `json:"timestamp"`
	ClientIP       string          `json:"client_ip,omitempty"`
}

type ProcessingStage string

const (
	StageStarted   ProcessingStage = "started"
	StageCompleted ProcessingStage = "completed"
	StageFailed    ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeValidation  FailureType = "validation"
	FailureTypeTransient   FailureType = "transient"
	FailureTypeRateLimited FailureType = "rate_limited"
	FailureTypeDuplicate   FailureType = "duplicate"
	FailureTypeUnavailable FailureType = "unavailable"
	FailureTypeTimeout     FailureType = "timeout"
	FailureTypeProvider    FailureType = "provider"
	FailureTypeInternal    FailureType = "internal"
)

type EventMetadata struct {
	ProcessingTimeMs int64 `json:"processing_time_ms"`
	RetryCount       int   `json:"retry_count"`
}

// JobEvent is published on the topic exchange for every lifecycle transition.
type JobEvent struct {
	ID              string          `json:"id"`
	Stage           ProcessingStage `json:"stage"`
	JobID           string          `json:"job_id"`
	UserID          string          `json:"user_id"`
	AssessmentName  string          `json:"assessment_name,omitempty"`
	ResultReference string          `json:"result_reference,omitempty"`
	Error           string          `json:"error,omitempty"`
	FailureType     FailureType     `json:"failure_type,omitempty"`
	Metadata        EventMetadata   `json:"metadata"`
	HappenedAt      int64           `json:"happened_at"`
}

// DeadLetter is the body published to the dead-letter subject.
type DeadLetter struct {
	ID          string      `json:"id"`
	Message     JobMessage  `json:"message"`
	Error       string      `json:"error"`
	FailureType FailureType `json:"failure_type"`
	RetryCount  int         `json:"retry_count"`
	FailedAt    int64       `json:"failed_at"`
}

// RefundRequest asks billing to return the tokens charged for a job.
type RefundRequest struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	Reason      string `json:"reason"`
	RequestedAt int64  `json:"requested_at"`
}
