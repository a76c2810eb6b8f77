package campaign

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMarkSent marks the one failure mode where at-most-once is no longer
	// guaranteed: the fan-out ran but the sent flag could not be persisted.
	ErrMarkSent = errors.New("campaign delivered but not marked sent")

	ErrPastSchedule = errors.New("schedule is not in the future")
	ErrDisabled     = errors.New("campaign engine disabled")
	ErrQueueFull    = errors.New("delivery queue full")
)

// Config controls the scheduling and delivery engine.
type Config struct {
	Enabled bool

	// Workers is how many campaigns may be in delivery concurrently.
	// The fan-out within one campaign is always sequential.
	Workers   int
	QueueSize int

	// RatePerSec caps per-recipient sends across all running deliveries,
	// honoring the transport's outbound rate limit.
	RatePerSec int

	// FireOverdue makes recovery enqueue campaigns whose schedule elapsed
	// while the process was down instead of skipping them.
	FireOverdue bool

	// Retention is how long sent campaigns are kept before the hourly
	// prune removes them. Zero disables pruning.
	Retention time.Duration

	// DigestAt is an optional "HH:MM" for a daily pending-campaign digest
	// to admins. Empty disables the digest.
	DigestAt string

	// Timezone is the IANA zone for the digest schedule. Empty means local.
	Timezone string
}

// Report summarizes one campaign delivery.
type Report struct {
	CampaignID int64
	Delivered  int
	Failed     int
	Total      int
	Took       time.Duration
}

// AdminNotifier delivers best-effort operational reports to administrators.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Event types published on the bus.
const (
	EventDelivered = "campaign.delivered"
	EventRecovered = "campaign.recovered"
	EventPruned    = "campaign.pruned"
)

// DeliveredEvent is the bus payload for EventDelivered.
type DeliveredEvent struct {
	CampaignID int64  `json:"campaign_id"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	TookMS     int64  `json:"took_ms"`
	Error      string `json:"error,omitempty"`
}

// RecoveredEvent is the bus payload for EventRecovered.
type RecoveredEvent struct {
	Rearmed int `json:"rearmed"`
	Missed  int `json:"missed"`
	Fired   int `json:"fired"`
}
