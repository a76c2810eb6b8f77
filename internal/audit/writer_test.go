package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"heraldbot/internal/campaign"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

// recordingStore captures AppendAudit calls on top of the memory store.
type recordingStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (r *recordingStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return r.Store.AppendAudit(ctx, e)
}

func (r *recordingStore) all() []storage.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.AuditEntry(nil), r.entries...)
}

func TestWriterKeepsEventsPublishedBeforeRun(t *testing.T) {
	t.Parallel()
	st := &recordingStore{Store: storage.NewMemory()}
	bus := eventbus.New()
	w := New(st, bus, logx.Nop())

	// Publish before Run is even scheduled. The subscription made in New
	// must buffer these.
	bus.Publish(eventbus.Event{
		Type: campaign.EventRecovered,
		Data: campaign.RecoveredEvent{Rearmed: 4, Missed: 1, Fired: 1},
	})
	bus.Publish(eventbus.Event{
		Type: campaign.EventDelivered,
		Data: campaign.DeliveredEvent{CampaignID: 7, Delivered: 3, Total: 3},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(st.all()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	got := st.all()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2: %+v", len(got), got)
	}
	if got[0].Action != "recovered" || got[0].Total != 5 || got[0].Delivered != 1 {
		t.Fatalf("unexpected recovery entry: %+v", got[0])
	}
	if got[1].Action != "delivered" || got[1].CampaignID != 7 {
		t.Fatalf("unexpected delivery entry: %+v", got[1])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not exit on cancel")
	}
}

func TestWriterPersistsDeliveryEvents(t *testing.T) {
	t.Parallel()
	st := &recordingStore{Store: storage.NewMemory()}
	bus := eventbus.New()
	w := New(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	bus.Publish(eventbus.Event{
		Type: campaign.EventDelivered,
		Data: campaign.DeliveredEvent{CampaignID: 5, Delivered: 9, Failed: 1, Total: 10, TookMS: 120},
	})
	bus.Publish(eventbus.Event{Type: "notifier.sent", Data: struct{}{}}) // ignored
	bus.Publish(eventbus.Event{
		Type: campaign.EventRecovered,
		Data: campaign.RecoveredEvent{Rearmed: 2, Missed: 1, Fired: 0},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(st.all()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	got := st.all()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2: %+v", len(got), got)
	}
	if got[0].Action != "delivered" || got[0].CampaignID != 5 || got[0].Delivered != 9 || got[0].TookMS != 120 {
		t.Fatalf("unexpected delivery entry: %+v", got[0])
	}
	if got[1].Action != "recovered" || got[1].Total != 3 {
		t.Fatalf("unexpected recovery entry: %+v", got[1])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not exit on cancel")
	}
}
