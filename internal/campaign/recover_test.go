package campaign

import (
	"context"
	"testing"
	"time"

	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

func TestRecoverRearmsFutureCampaigns(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	s, st := newTestService(t, ad, &fakeNotifier{})

	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	mustSchedule(t, st, "later", at)
	mustSchedule(t, st, "also later", at.Add(time.Minute))

	rearmed, err := s.Recover(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rearmed != 2 {
		t.Fatalf("rearmed = %d, want 2", rearmed)
	}
	if s.ArmedCount() != 2 {
		t.Fatalf("armed = %d, want 2", s.ArmedCount())
	}
	if len(ad.sends()) != 0 {
		t.Fatal("recovery must not fan out anything itself")
	}
}

func TestRecoverSkipsOverdueByDefault(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	s, st := newTestService(t, ad, &fakeNotifier{})
	seedRecipients(t, st, 1)

	ctx := context.Background()
	id := mustSchedule(t, st, "missed", time.Now().Add(-time.Hour))

	if _, err := s.Recover(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(ad.sends()) != 0 {
		t.Fatal("overdue campaign fanned out without fire_overdue")
	}
	c, err := st.CampaignByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Sent {
		t.Fatal("skipped campaign must stay unsent, available for manual send")
	}
}

func TestRecoverFiresOverdueWhenOptedIn(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	st := storage.NewMemory()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 8, RatePerSec: 1000, FireOverdue: true},
		st, ad, &fakeNotifier{}, nil, logx.Nop())
	seedRecipients(t, st, 5, 6)
	id := mustSchedule(t, st, "missed but wanted", time.Now().Add(-time.Hour))

	// Start runs recovery, which must enqueue the missed campaign.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		s.Stop(stopCtx)
	}()

	waitUntil(t, 2*time.Second, func() bool {
		c, err := st.CampaignByID(ctx, id)
		return err == nil && c.Sent
	})
	if got := len(ad.sends()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestRecoverSurvivesRestartCycle(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ad := newFakeAdapter()
	ctx := context.Background()

	// First process: schedule, then "crash" (service simply discarded,
	// timers lost with it).
	s1 := New(Config{Enabled: true, RatePerSec: 1000}, st, ad, &fakeNotifier{}, nil, logx.Nop())
	at := time.Now().Add(80 * time.Millisecond)
	id, err := s1.Create(ctx, storage.CampaignDraft{Text: "survives", ScheduledAt: &at})
	if err != nil {
		t.Fatal(err)
	}
	s1.DisarmAll()

	// Second process: recovery re-arms at the stored instant.
	ad2 := newFakeAdapter()
	s2 := New(Config{Enabled: true, Workers: 1, QueueSize: 8, RatePerSec: 1000}, st, ad2, &fakeNotifier{}, nil, logx.Nop())
	seedRecipients(t, st, 42)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s2.Start(runCtx)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		s2.Stop(stopCtx)
	}()

	waitUntil(t, 2*time.Second, func() bool {
		c, err := st.CampaignByID(ctx, id)
		return err == nil && c.Sent
	})
	if len(ad.sends()) != 0 {
		t.Fatal("first process sent despite disarm")
	}
	if got := len(ad2.sends()); got != 1 {
		t.Fatalf("second process sends = %d, want 1", got)
	}
}

func mustSchedule(t *testing.T, st storage.Store, text string, at time.Time) int64 {
	t.Helper()
	id, err := st.CreateCampaign(context.Background(), storage.CampaignDraft{Text: text, ScheduledAt: &at})
	if err != nil {
		t.Fatal(err)
	}
	return id
}
