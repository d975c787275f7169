package protocol

import "time"

const (
	SubjectJobSubmit = "tts.job.submit"
	SubjectJobStatus = "tts.job.status"

	Endpoint = "/text-to-speech"
)

const (
	StatusAccepted  = "accepted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobRequest is a synthesis submission, over HTTP or on SubjectJobSubmit.
type JobRequest struct {
	Text       string `json:"text"`
	VoiceURL   string `json:"voice_url"`
	Language   string `json:"language"`
	WebhookURL string `json:"webhook_url,omitempty"`
	ID         string `json:"id,omitempty"`
}

// JobAccepted answers a submission. Error is set instead of JobID on rejection.
type JobAccepted struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// JobStatus reports a job outcome on SubjectJobStatus and to the webhook.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	ID        string    `json:"id,omitempty"`
	Status    string    `json:"status"`
	Code      int       `json:"code"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
}

// JobEvent is one entry of a job timeline as served by the jobs API.
type JobEvent struct {
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JobView is the response of the job lookup route.
type JobView struct {
	JobID    string     `json:"job_id"`
	ID       string     `json:"id,omitempty"`
	Status   string     `json:"status"`
	Language string     `json:"language,omitempty"`
	URL      string     `json:"url,omitempty"`
	Error    string     `json:"error,omitempty"`
	Events   []JobEvent `json:"events"`
}
