package models

import (
	"time"
)

// Job payload origins.
const (
	OriginTrigger = "trigger"
	OriginScan    = "scan"
)

// Priority hints carried in the payload. The queue itself is FIFO; the hint
// exists for observability and future routing.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)

// JobPayload is the body of one regeneration job.
type JobPayload struct {
	DocumentID      string    `json:"document_id"`
	ContentSnapshot string    `json:"content_snapshot"`
	ContentHash     string    `json:"content_hash"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	Origin          string    `json:"origin"`
	Priority        string    `json:"priority"`
}

// Message is one claimed queue entry. VisibleAt is the deadline after which
// an unarchived message is redelivered.
type Message struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Payload    JobPayload
}

// ProcessReport summarizes one drain invocation.
type ProcessReport struct {
	Processed        int     `json:"processed"`
	Errors           int     `json:"errors"`
	Cycles           int     `json:"cycles"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
	ThroughputPerSec float64 `json:"throughput_per_second"`
}
