package models

// FailureType classifies why an attempt failed.
type FailureType string

const (
	// FailureExternal covers infrastructure and environment causes:
	// rate limits, network errors, missing commands, merge conflicts, stalls.
	FailureExternal FailureType = "external"
	// FailureInternal covers the agent's own generated work going wrong.
	FailureInternal FailureType = "internal"
)

// StatusReport is the append-only JSON record written for each task attempt.
type StatusReport struct {
	// TaskID identifies the task this attempt ran.
	TaskID string `json:"taskId"`
	// Title is the task's declared title.
	Title string `json:"title"`
	// Branch is the ephemeral agent branch the attempt worked on.
	Branch string `json:"branch"`
	// Provider is the agent backend used for this attempt.
	Provider string `json:"provider"`
	// ProviderAttempts is the full provider history across attempts.
	ProviderAttempts []string `json:"providerAttempts"`
	// Status is one of "done", "retrying", "failed".
	Status string `json:"status"`
	// Commits is the number of new commits on the task branch vs. base.
	Commits int `json:"commits"`
	// ChangedFiles is the comma-joined list of files changed vs. base.
	ChangedFiles string `json:"changedFiles"`
	// Timestamp is the UTC time the report was written (RFC 3339).
	Timestamp string `json:"timestamp"`
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt,omitempty"`
	// Retries is the number of retries consumed before this attempt.
	Retries int `json:"retries,omitempty"`
	// MaxRetries is the configured retry cap.
	MaxRetries int `json:"maxRetries"`
	// ErrorMessage holds the failure message, if any.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// FailureType classifies ErrorMessage as external or internal.
	FailureType FailureType `json:"failureType,omitempty"`
}
