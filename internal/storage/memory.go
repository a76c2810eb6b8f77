package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	kit "heraldbot/internal/transport"
)

// memStore is the in-memory driver. It mirrors the sqlite semantics
// (including the atomic sent flip) and is what the engine tests run against.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	campaigns  map[int64]Campaign
	recipients map[int64]Recipient
	audit      []AuditEntry
}

func NewMemory() Store {
	return &memStore{
		nextID:     1,
		campaigns:  map[int64]Campaign{},
		recipients: map[int64]Recipient{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateCampaign(_ context.Context, d CampaignDraft) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	c := Campaign{
		ID:        id,
		Text:      d.Text,
		PhotoRef:  d.PhotoRef,
		Buttons:   copyButtons(d.Buttons),
		CreatedAt: time.Now(),
	}
	if d.ScheduledAt != nil {
		t := *d.ScheduledAt
		c.ScheduledAt = &t
	}
	s.campaigns[id] = c
	return id, nil
}

func (s *memStore) CampaignByID(_ context.Context, id int64) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (s *memStore) PendingCampaigns(_ context.Context, now time.Time) ([]Campaign, error) {
	return s.selectScheduled(func(at time.Time) bool { return at.After(now) }), nil
}

func (s *memStore) OverdueCampaigns(_ context.Context, now time.Time) ([]Campaign, error) {
	return s.selectScheduled(func(at time.Time) bool { return !at.After(now) }), nil
}

func (s *memStore) selectScheduled(match func(time.Time) bool) []Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Campaign
	for _, c := range s.campaigns {
		if c.Sent || c.ScheduledAt == nil || !match(*c.ScheduledAt) {
			continue
		}
		out = append(out, copyCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(*out[j].ScheduledAt)
	})
	return out
}

func (s *memStore) MarkCampaignSent(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Sent {
		return false, nil
	}
	c.Sent = true
	s.campaigns[id] = c
	return true, nil
}

func (s *memStore) UpdateCampaign(_ context.Context, id int64, p CampaignPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if p.Text != nil {
		c.Text = *p.Text
	}
	if p.PhotoRef != nil {
		c.PhotoRef = *p.PhotoRef
	}
	if p.Buttons != nil {
		c.Buttons = copyButtons(*p.Buttons)
	}
	if p.ClearSchedule {
		c.ScheduledAt = nil
	} else if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		c.ScheduledAt = &t
	}
	s.campaigns[id] = c
	return nil
}

func (s *memStore) DeleteCampaign(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return ErrNotFound
	}
	delete(s.campaigns, id)
	return nil
}

func (s *memStore) PruneSentCampaigns(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.campaigns {
		if c.Sent && c.CreatedAt.Before(cutoff) {
			delete(s.campaigns, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpsertRecipient(_ context.Context, r Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if cur, ok := s.recipients[r.ChatID]; ok {
		cur.Username = r.Username
		cur.FirstName = r.FirstName
		cur.LastSeen = now
		s.recipients[r.ChatID] = cur
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = now
	}
	s.recipients[r.ChatID] = r
	return nil
}

func (s *memStore) SetRecipientBanned(_ context.Context, chatID int64, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[chatID]
	if !ok {
		return ErrNotFound
	}
	r.Banned = banned
	s.recipients[chatID] = r
	return nil
}

func (s *memStore) ActiveRecipients(_ context.Context) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recipient
	for _, r := range s.recipients {
		if !r.Banned {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *memStore) CountRecipients(_ context.Context) (total, banned int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		total++
		if r.Banned {
			banned++
		}
	}
	return total, banned, nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func copyCampaign(c Campaign) Campaign {
	cp := c
	if c.ScheduledAt != nil {
		t := *c.ScheduledAt
		cp.ScheduledAt = &t
	}
	cp.Buttons = copyButtons(c.Buttons)
	return cp
}

func copyButtons(rows [][]kit.Button) [][]kit.Button {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]kit.Button, len(rows))
	for i, row := range rows {
		out[i] = append([]kit.Button(nil), row...)
	}
	return out
}
