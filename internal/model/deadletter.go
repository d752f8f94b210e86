package model

import "time"

// ErrorMetadata captures context about the final failure of a message,
// preserved alongside the dead-letter record.
type ErrorMetadata struct {
	OriginalStatus Status    `json:"original_status"`
	DeviceID       string    `json:"device_id,omitempty"`
	ErrorTimestamp time.Time `json:"error_timestamp"`
}

// DeadLetterRecord wraps a permanently-failed message with its retry
// history, written to the dead_letter topic by the Delivery Worker when
// retry_count >= max_retries.
type DeadLetterRecord struct {
	Message       Message       `json:"message"`
	ErrorReason   string        `json:"error_reason"`
	RetryCount    int           `json:"retry_count"`
	MaxRetryCount int           `json:"max_retry_count"`
	LastRetryTime time.Time     `json:"last_retry_time"`
	DeadTime      time.Time     `json:"dead_time"`
	ErrorMetadata ErrorMetadata `json:"error_metadata"`
}
