package campaign

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"heraldbot/internal/storage"
)

func TestDigestSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"09:30", "30 9 * * *", true},
		{"0:0", "0 0 * * *", true},
		{"23:59", "59 23 * * *", true},
		{" 12:05 ", "5 12 * * *", true},
		{"24:00", "", false},
		{"12:60", "", false},
		{"12", "", false},
		{"noon", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := digestSpec(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("digestSpec(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPruneSentRemovesOnlyOldSent(t *testing.T) {
	t.Parallel()
	s, st := newTestService(t, newFakeAdapter(), &fakeNotifier{})
	ctx := context.Background()

	oldSent := mustSchedule(t, st, "old", time.Now().Add(time.Hour))
	if _, err := st.MarkCampaignSent(ctx, oldSent); err != nil {
		t.Fatal(err)
	}
	keepUnsent := mustSchedule(t, st, "keep", time.Now().Add(time.Hour))

	// Negative retention puts the cutoff in the future, pruning every
	// sent campaign regardless of age.
	s.pruneSent(-time.Second)

	if _, err := st.CampaignByID(ctx, oldSent); err != storage.ErrNotFound {
		t.Fatalf("sent campaign not pruned: %v", err)
	}
	if _, err := st.CampaignByID(ctx, keepUnsent); err != nil {
		t.Fatalf("unsent campaign pruned: %v", err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	if got := preview("  short  ", 40); got != "short" {
		t.Fatalf("preview = %q", got)
	}
	long := preview("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 10)
	if len([]rune(long)) != 11 {
		t.Fatalf("preview did not truncate: %q", long)
	}
	multi := preview("приветствие всем подписчикам", 10)
	if !utf8.ValidString(multi) {
		t.Fatalf("preview produced invalid UTF-8: %q", multi)
	}
	if got := []rune(multi); len(got) != 11 || string(got[:10]) != "приветстви" {
		t.Fatalf("preview = %q", multi)
	}
}
