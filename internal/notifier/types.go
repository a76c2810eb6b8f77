package notifier

import "time"

// Config controls the async admin-report pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// HistoryItem is one delivered admin report, kept for /health.
type HistoryItem struct {
	At   time.Time
	Text string
}

// ReportEvent is emitted on the event bus for pipeline lifecycle events.
type ReportEvent struct {
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
