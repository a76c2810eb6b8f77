package campaign

import (
	"context"
	"fmt"
	"time"

	logx "heraldbot/pkg/logx"
)

// Recover rebuilds the trigger registry from the store after a restart.
// Campaigns still scheduled in the future are re-armed at their stored
// instant. Campaigns whose schedule elapsed while the process was down are
// skipped by default — firing stale content immediately after a restart is
// surprising — unless FireOverdue opts into enqueueing them.
func (s *Service) Recover(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.store.PendingCampaigns(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load pending campaigns: %w", err)
	}

	rearmed := 0
	for _, c := range pending {
		if c.ScheduledAt == nil {
			continue
		}
		if err := s.Arm(c.ID, *c.ScheduledAt); err != nil {
			s.log.Warn("campaign not re-armed", logx.Int64("campaign", c.ID), logx.Err(err))
			continue
		}
		rearmed++
	}

	overdue, err := s.store.OverdueCampaigns(ctx, now)
	if err != nil {
		return rearmed, fmt.Errorf("load overdue campaigns: %w", err)
	}

	s.mu.Lock()
	fireOverdue := s.cfg.FireOverdue
	s.mu.Unlock()

	fired := 0
	for _, c := range overdue {
		if !fireOverdue {
			s.log.Warn("missed campaign skipped; use a manual send to deliver it",
				logx.Int64("campaign", c.ID),
				logx.Time("was_scheduled", *c.ScheduledAt))
			continue
		}
		if err := s.enqueue(c.ID); err != nil {
			s.log.Error("missed campaign not enqueued", logx.Int64("campaign", c.ID), logx.Err(err))
			continue
		}
		fired++
	}

	s.log.Info("campaign recovery done",
		logx.Int("rearmed", rearmed),
		logx.Int("missed", len(overdue)),
		logx.Int("fired", fired))
	s.publish(EventRecovered, RecoveredEvent{Rearmed: rearmed, Missed: len(overdue), Fired: fired})
	return rearmed, nil
}
