package archive

import "time"

// WorkflowRecord is the document archived to S3 for each finished workflow.
type WorkflowRecord struct {
	Version           string       `json:"version"` // "1.0"
	WorkflowID        string       `json:"workflow_id"`
	IncidentID        string       `json:"incident_id"`
	MedicalCenterID   string       `json:"medical_center_id"`
	Status            string       `json:"status"`
	ConfirmedDatetime string       `json:"confirmed_datetime,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	Urgency           string       `json:"urgency"`
	CallCount         int          `json:"call_count"`
	CreatedAt         time.Time    `json:"created_at"`
	FinishedAt        time.Time    `json:"finished_at"`
	ArchivedAt        time.Time    `json:"archived_at"`
	Calls             []CallRecord `json:"calls"`
}

// CallRecord is one call attempt with the dialed number hashed.
type CallRecord struct {
	Sequence        int        `json:"sequence"`
	CallID          string     `json:"call_id"`
	Target          string     `json:"target"`
	TaskType        string     `json:"task_type"`
	PhoneHash       string     `json:"phone_hash"` // sha256 of phone
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Outcome         string     `json:"outcome"`
	CallSuccessful  bool       `json:"call_successful"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	WorkflowID      string `json:"workflow_id"`
	IncidentID      string `json:"incident_id"`
	S3Key           string `json:"s3_key"`
	Status          string `json:"status"`
	MedicalCenterID string `json:"medical_center_id"`
	CallCount       int    `json:"call_count"`
	ArchivedAt      string `json:"archived_at"`
}
