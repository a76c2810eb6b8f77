package storage

import (
	"context"
	"errors"
	"time"

	kit "heraldbot/internal/transport"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (also "sqlite3"): SQLite database file
//   - "memory": process-local store, lost on restart
//
// Empty driver defaults to sqlite.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Campaign is one authored broadcast. The sent flag is the idempotency
// guard: once true the campaign is never triggered again.
type Campaign struct {
	ID          int64
	Text        string
	PhotoRef    string // transport file reference; empty means text-only
	Buttons     [][]kit.Button
	ScheduledAt *time.Time // nil means deliver-immediately, never pending
	Sent        bool
	CreatedAt   time.Time
}

// CampaignDraft is the creation payload; id and created are assigned by the store.
type CampaignDraft struct {
	Text        string
	PhotoRef    string
	Buttons     [][]kit.Button
	ScheduledAt *time.Time
}

// CampaignPatch updates selected fields. Nil pointers leave fields untouched;
// ClearSchedule removes the schedule regardless of ScheduledAt.
type CampaignPatch struct {
	Text          *string
	PhotoRef      *string
	Buttons       *[][]kit.Button
	ScheduledAt   *time.Time
	ClearSchedule bool
}

type Recipient struct {
	ChatID    int64
	Username  string
	FirstName string
	Banned    bool
	CreatedAt time.Time
	LastSeen  time.Time
}

// AuditEntry records one campaign trigger outcome. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At         time.Time
	CampaignID int64
	Action     string // "deliver", "recover", "prune", ...
	Delivered  int
	Failed     int
	Total      int
	Error      string
	TookMS     int64
}

// Store is the persistence API used by the engine and the admin surface.
//
// All campaign operations are atomic with respect to the sent flag: two
// concurrent MarkCampaignSent calls on the same id flip it at most once.
type Store interface {
	CreateCampaign(ctx context.Context, d CampaignDraft) (int64, error)
	CampaignByID(ctx context.Context, id int64) (Campaign, error)
	// PendingCampaigns returns unsent campaigns scheduled strictly after now,
	// ordered by schedule ascending.
	PendingCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
	// OverdueCampaigns returns unsent campaigns whose schedule is at or
	// before now (missed while the process was down).
	OverdueCampaigns(ctx context.Context, now time.Time) ([]Campaign, error)
	// MarkCampaignSent flips the sent flag and reports whether this call
	// performed the flip. (false, nil) means another caller won the race or
	// the row is gone.
	MarkCampaignSent(ctx context.Context, id int64) (bool, error)
	UpdateCampaign(ctx context.Context, id int64, p CampaignPatch) error
	DeleteCampaign(ctx context.Context, id int64) error
	// PruneSentCampaigns deletes sent campaigns created before the cutoff.
	PruneSentCampaigns(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertRecipient(ctx context.Context, r Recipient) error
	SetRecipientBanned(ctx context.Context, chatID int64, banned bool) error
	// ActiveRecipients returns a snapshot of non-banned recipients.
	ActiveRecipients(ctx context.Context) ([]Recipient, error)
	CountRecipients(ctx context.Context) (total, banned int64, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}
