package campaign

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "heraldbot/pkg/logx"
)

type cronRunner struct {
	c *cron.Cron
}

// startMaintenance registers the hourly sent-campaign prune and the
// optional daily pending digest.
func (s *Service) startMaintenance(cfg Config) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid campaigns.timezone; using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithLocation(loc))

	if cfg.Retention > 0 {
		retention := cfg.Retention
		if _, err := c.AddFunc("@hourly", func() { s.pruneSent(retention) }); err != nil {
			s.log.Error("prune schedule rejected", logx.Err(err))
		}
	}

	if spec, ok := digestSpec(cfg.DigestAt); ok {
		if _, err := c.AddFunc(spec, s.sendDigest); err != nil {
			s.log.Error("digest schedule rejected", logx.String("at", cfg.DigestAt), logx.Err(err))
		}
	} else if strings.TrimSpace(cfg.DigestAt) != "" {
		s.log.Warn("invalid campaigns.digest_at; expected HH:MM", logx.String("at", cfg.DigestAt))
	}

	c.Start()

	s.mu.Lock()
	s.cron = &cronRunner{c: c}
	s.mu.Unlock()
}

func (s *Service) stopMaintenance() {
	s.mu.Lock()
	cr := s.cron
	s.cron = nil
	s.mu.Unlock()
	if cr != nil && cr.c != nil {
		<-cr.c.Stop().Done()
	}
}

func (s *Service) pruneSent(retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-retention)
	n, err := s.store.PruneSentCampaigns(ctx, cutoff)
	if err != nil {
		s.log.Warn("sent-campaign prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("sent campaigns pruned", logx.Int64("count", n), logx.Time("cutoff", cutoff))
		s.publish(EventPruned, map[string]any{"count": n})
	}
}

func (s *Service) sendDigest() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := s.store.PendingCampaigns(ctx, time.Now())
	if err != nil {
		s.log.Warn("digest skipped; pending load failed", logx.Err(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 %d scheduled campaign(s) pending:\n", len(pending))
	for _, c := range pending {
		fmt.Fprintf(&b, "#%d at %s — %s\n", c.ID, c.ScheduledAt.Format("02 Jan 15:04"), preview(c.Text, 40))
	}
	s.notifyAdmins(ctx, b.String())
}

// digestSpec converts "HH:MM" into a daily cron spec.
func digestSpec(at string) (string, bool) {
	at = strings.TrimSpace(at)
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%d %d * * *", m, h), true
}

// preview truncates on rune boundaries so multi-byte text stays valid.
func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
