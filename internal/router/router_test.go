package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

type replyAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (a *replyAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *replyAdapter) Stop(ctx context.Context) error                         { return nil }
func (a *replyAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photoRef, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (a *replyAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (a *replyAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (a *replyAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.replies = append(a.replies, text)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *replyAdapter) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.replies...)
}

type stubCampaigns struct {
	mu        sync.Mutex
	created   []storage.CampaignDraft
	sendNow   []int64
	deleted   []int64
	resched   []int64
	reschedAt []time.Time
}

func (c *stubCampaigns) Enabled() bool { return true }
func (c *stubCampaigns) Create(_ context.Context, d storage.CampaignDraft) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, d)
	return int64(len(c.created)), nil
}
func (c *stubCampaigns) SendNow(id int64) error {
	c.mu.Lock()
	c.sendNow = append(c.sendNow, id)
	c.mu.Unlock()
	return nil
}
func (c *stubCampaigns) Reschedule(_ context.Context, id int64, at time.Time) error {
	c.mu.Lock()
	c.resched = append(c.resched, id)
	c.reschedAt = append(c.reschedAt, at)
	c.mu.Unlock()
	return nil
}
func (c *stubCampaigns) CancelSchedule(_ context.Context, id int64) error           { return nil }
func (c *stubCampaigns) Delete(_ context.Context, id int64) error {
	c.mu.Lock()
	c.deleted = append(c.deleted, id)
	c.mu.Unlock()
	return nil
}
func (c *stubCampaigns) ArmedCount() int { return 0 }

const ownerID = int64(777)

func startRouter(t *testing.T) (*Router, *replyAdapter, *stubCampaigns, storage.Store, chan kit.Update) {
	t.Helper()
	ad := &replyAdapter{}
	cs := &stubCampaigns{}
	st := storage.NewMemory()
	r := New(logx.Nop(), ad, st, cs, []int64{ownerID})

	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatch loop did not exit")
		}
	})
	return r, ad, cs, st, updates
}

func msgUpdate(from int64, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           1,
			ChatID:       from,
			FromID:       from,
			FromUsername: "user",
			FromFirst:    "User",
			Text:         text,
		},
	}
}

func waitReplies(t *testing.T, ad *replyAdapter, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := ad.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d replies, got %v", n, ad.all())
	return nil
}

func TestInboundSenderBecomesRecipient(t *testing.T) {
	t.Parallel()
	_, ad, _, st, updates := startRouter(t)

	updates <- msgUpdate(1001, "hello there")
	updates <- msgUpdate(1002, "/start")
	waitReplies(t, ad, 1) // /start acknowledgement

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		total, _, err := st.CountRecipients(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if total == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("senders not registered as recipients")
}

func TestOwnerOnlyCommandsSilentForOthers(t *testing.T) {
	t.Parallel()
	_, ad, cs, _, updates := startRouter(t)

	updates <- msgUpdate(1001, "/sendnow 1")
	updates <- msgUpdate(ownerID, "/help")
	got := waitReplies(t, ad, 1)

	if len(got) != 1 || !strings.Contains(got[0], "Commands") {
		t.Fatalf("unexpected replies: %v", got)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.sendNow) != 0 {
		t.Fatal("non-owner triggered a delivery")
	}
}

func TestNewcastScheduled(t *testing.T) {
	t.Parallel()
	r, ad, cs, _, updates := startRouter(t)
	r.SetTimezone(time.UTC)

	future := time.Now().UTC().Add(time.Hour).Format(scheduleLayout)
	updates <- msgUpdate(ownerID, "/newcast "+future+" | Big news <b>soon</b>")
	got := waitReplies(t, ad, 1)

	if !strings.Contains(got[0], "scheduled for") {
		t.Fatalf("unexpected reply: %q", got[0])
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.created) != 1 {
		t.Fatalf("created = %d", len(cs.created))
	}
	d := cs.created[0]
	if d.ScheduledAt == nil || d.Text != "Big news <b>soon</b>" {
		t.Fatalf("unexpected draft: %+v", d)
	}
}

func TestNewcastUnscheduledAndEmpty(t *testing.T) {
	t.Parallel()
	_, ad, cs, _, updates := startRouter(t)

	updates <- msgUpdate(ownerID, "/newcast Plain broadcast")
	updates <- msgUpdate(ownerID, "/newcast")
	got := waitReplies(t, ad, 2)

	cs.mu.Lock()
	created := len(cs.created)
	cs.mu.Unlock()
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	foundSaved, foundUsage := false, false
	for _, g := range got {
		if strings.Contains(g, "saved") {
			foundSaved = true
		}
		if strings.Contains(g, "Usage") {
			foundUsage = true
		}
	}
	if !foundSaved || !foundUsage {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestSendNowUnknownID(t *testing.T) {
	t.Parallel()
	_, ad, cs, _, updates := startRouter(t)

	updates <- msgUpdate(ownerID, "/sendnow 42")
	got := waitReplies(t, ad, 1)
	if !strings.Contains(got[0], "No campaign #42") {
		t.Fatalf("unexpected reply: %q", got[0])
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.sendNow) != 0 {
		t.Fatal("missing campaign still handed to engine")
	}
}

func TestSplitSchedule(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	cases := []struct {
		in     string
		ok     bool
		rest   string
	}{
		{"2026-09-01 18:00 | hello", true, "hello"},
		{"2026-09-01 18:00 |", true, ""},
		{"not a date | hello", false, ""},
		{"no pipe at all", false, ""},
		{"", false, ""},
	}
	for _, tc := range cases {
		at, rest, ok := splitSchedule(tc.in, loc)
		if ok != tc.ok {
			t.Errorf("splitSchedule(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if rest != tc.rest {
			t.Errorf("splitSchedule(%q) rest = %q, want %q", tc.in, rest, tc.rest)
		}
		if at.Location() != loc || at.Year() != 2026 || at.Hour() != 18 {
			t.Errorf("splitSchedule(%q) at = %v", tc.in, at)
		}
	}
}

func TestExcerpt(t *testing.T) {
	t.Parallel()
	if got := excerpt("one\n two   three", 40); got != "one two three" {
		t.Fatalf("excerpt = %q", got)
	}
	long := excerpt(strings.Repeat("é", 50), 10)
	if len([]rune(long)) != 11 {
		t.Fatalf("excerpt did not truncate: %q", long)
	}
}

func TestBanAndUnbanRecipient(t *testing.T) {
	t.Parallel()
	_, ad, _, st, updates := startRouter(t)

	updates <- msgUpdate(1001, "hi")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if total, _, _ := st.CountRecipients(context.Background()); total == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	updates <- msgUpdate(ownerID, "/ban 1001")
	got := waitReplies(t, ad, 1)
	if !strings.Contains(got[len(got)-1], "banned") {
		t.Fatalf("unexpected reply: %v", got)
	}
	active, err := st.ActiveRecipients(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range active {
		if r.ChatID == 1001 {
			t.Fatal("banned recipient still active")
		}
	}

	updates <- msgUpdate(ownerID, "/unban 1001")
	waitReplies(t, ad, 2)
	active, err = st.ActiveRecipients(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range active {
		if r.ChatID == 1001 {
			found = true
		}
	}
	if !found {
		t.Fatal("unbanned recipient not active again")
	}

	updates <- msgUpdate(ownerID, "/ban 999999")
	got = waitReplies(t, ad, 3)
	if !strings.Contains(got[len(got)-1], "No recipient") {
		t.Fatalf("unexpected reply for unknown id: %v", got)
	}
}

func TestRecastMovesSchedule(t *testing.T) {
	t.Parallel()
	r, ad, cs, _, updates := startRouter(t)
	r.SetTimezone(time.UTC)

	updates <- msgUpdate(ownerID, "/recast 3 2030-01-02 15:04")
	got := waitReplies(t, ad, 1)
	if !strings.Contains(got[0], "Campaign #3 rescheduled for 2030-01-02 15:04") {
		t.Fatalf("unexpected reply: %v", got)
	}

	cs.mu.Lock()
	resched, at := append([]int64(nil), cs.resched...), append([]time.Time(nil), cs.reschedAt...)
	cs.mu.Unlock()
	if len(resched) != 1 || resched[0] != 3 {
		t.Fatalf("resched = %v", resched)
	}
	want := time.Date(2030, 1, 2, 15, 4, 0, 0, time.UTC)
	if !at[0].Equal(want) {
		t.Fatalf("rescheduled at %v, want %v", at[0], want)
	}

	updates <- msgUpdate(ownerID, "/recast 3 tomorrow")
	got = waitReplies(t, ad, 2)
	if !strings.Contains(got[1], "Usage:") {
		t.Fatalf("malformed time not rejected: %v", got)
	}
}
