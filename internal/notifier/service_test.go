package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

type stubAdapter struct {
	mu       sync.Mutex
	sent     []sentText
	failNext int // fail this many sends before succeeding
}

type sentText struct {
	ChatID int64
	Text   string
}

func (a *stubAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *stubAdapter) Stop(ctx context.Context) error                         { return nil }
func (a *stubAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photoRef, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, errors.New("not used")
}
func (a *stubAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (a *stubAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (a *stubAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext > 0 {
		a.failNext--
		return kit.MessageRef{}, errors.New("telegram 500")
	}
	a.sent = append(a.sent, sentText{ChatID: to.ChatID, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *stubAdapter) all() []sentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentText(nil), a.sent...)
}

func startNotifier(t *testing.T, ad *stubAdapter, cfg Config) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		s.Stop(stopCtx)
		cancel()
	})
	return s
}

func TestNotifyAdminsFansOut(t *testing.T) {
	t.Parallel()
	ad := &stubAdapter{}
	s := startNotifier(t, ad, Config{Enabled: true, RatePerSec: 1000})
	s.SetAdmins([]int64{100, 200})

	s.NotifyAdmins(context.Background(), "report")

	waitFor(t, func() bool { return len(ad.all()) == 2 })
	for _, m := range ad.all() {
		if m.Text != "report" {
			t.Fatalf("unexpected text %q", m.Text)
		}
	}
	if h := s.Snapshot(); len(h) != 2 {
		t.Fatalf("history = %d, want 2", len(h))
	}
}

func TestSendRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	ad := &stubAdapter{failNext: 2}
	s := startNotifier(t, ad, Config{
		Enabled:       true,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	})

	if err := s.Send(context.Background(), kit.ChatTarget{ChatID: 7}, "eventually"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(ad.all()) == 1 })
}

func TestSendWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &stubAdapter{}, logx.Nop(), nil)
	if err := s.Send(context.Background(), kit.ChatTarget{ChatID: 1}, "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	ad := &stubAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, ad, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := s.Send(context.Background(), kit.ChatTarget{ChatID: int64(i)}, "drain"); err != nil {
			t.Fatal(err)
		}
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	s.Stop(stopCtx)

	if got := len(ad.all()); got != 5 {
		t.Fatalf("drained %d, want 5", got)
	}
	if err := s.Send(context.Background(), kit.ChatTarget{ChatID: 9}, "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
