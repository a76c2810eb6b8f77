package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

// Deliver executes one campaign: loads it, fans out to the current
// recipient snapshot, marks it sent, and reports completion to admins.
//
// At-most-once is layered: the in-process advisory lock stops concurrent
// duplicate triggers, and the store's single-flip sent guard stops
// sequential ones (including across restarts). Per-recipient failures are
// isolated; they never abort the run and never surface individually.
func (s *Service) Deliver(ctx context.Context, id int64) (Report, error) {
	if !s.lockDelivery(id) {
		s.log.Debug("delivery already in flight", logx.Int64("campaign", id))
		return Report{CampaignID: id}, nil
	}
	defer s.unlockDelivery(id)

	start := time.Now()
	rep := Report{CampaignID: id}

	c, err := s.store.CampaignByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("campaign gone before delivery", logx.Int64("campaign", id))
		return rep, nil
	}
	if err != nil {
		// Fatal to this invocation only; sent stays false so a manual
		// trigger can retry the whole campaign.
		return rep, fmt.Errorf("load campaign %d: %w", id, err)
	}
	if c.Sent {
		s.log.Debug("campaign already sent; skipping duplicate trigger", logx.Int64("campaign", id))
		return rep, nil
	}

	recipients, err := s.store.ActiveRecipients(ctx)
	if err != nil {
		return rep, fmt.Errorf("snapshot recipients for campaign %d: %w", id, err)
	}
	rep.Total = len(recipients)

	opt := &kit.SendOptions{ParseMode: "HTML", Buttons: c.Buttons}
	for _, r := range recipients {
		if err := s.limiterWait(ctx); err != nil {
			// Shutdown mid-fan-out: abandon. sent stays false.
			s.log.Warn("delivery abandoned",
				logx.Int64("campaign", id),
				logx.Int("delivered", rep.Delivered),
				logx.Int("total", rep.Total))
			rep.Took = time.Since(start)
			return rep, err
		}
		if err := s.sendOne(ctx, r, c, opt); err != nil {
			rep.Failed++
			s.log.Debug("recipient not reached",
				logx.Int64("campaign", id),
				logx.Int64("recipient", r.ChatID),
				logx.Err(err))
			continue
		}
		rep.Delivered++
	}
	rep.Took = time.Since(start)

	flipped, err := s.store.MarkCampaignSent(ctx, id)
	if err != nil {
		// Distinct failure class: the fan-out ran, but the guard did not
		// flip, so the next trigger may duplicate sends. Surface loudly.
		werr := fmt.Errorf("%w (campaign %d): %v", ErrMarkSent, id, err)
		s.notifyAdmins(ctx, fmt.Sprintf(
			"⚠️ Campaign #%d delivered %d/%d but could NOT be marked sent — it may fire again: %v",
			id, rep.Delivered, rep.Total, err))
		s.publish(EventDelivered, DeliveredEvent{
			CampaignID: id, Delivered: rep.Delivered, Failed: rep.Failed,
			Total: rep.Total, TookMS: rep.Took.Milliseconds(), Error: werr.Error(),
		})
		return rep, werr
	}
	if !flipped {
		// Deleted mid-flight or lost a race we did not observe. Nothing to
		// report; the winning path owns the summary.
		s.log.Warn("campaign sent flag not flipped by this delivery", logx.Int64("campaign", id))
		return rep, nil
	}

	s.log.Info("campaign delivered",
		logx.Int64("campaign", id),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
		logx.Int("total", rep.Total),
		logx.Duration("took", rep.Took))
	s.notifyAdmins(ctx, fmt.Sprintf("✅ Campaign #%d done — delivered %d/%d", id, rep.Delivered, rep.Total))
	s.publish(EventDelivered, DeliveredEvent{
		CampaignID: id, Delivered: rep.Delivered, Failed: rep.Failed,
		Total: rep.Total, TookMS: rep.Took.Milliseconds(),
	})
	return rep, nil
}

func (s *Service) sendOne(ctx context.Context, r storage.Recipient, c storage.Campaign, opt *kit.SendOptions) error {
	to := kit.ChatTarget{ChatID: r.ChatID}
	if c.PhotoRef != "" {
		_, err := s.adapter.SendPhoto(ctx, to, c.PhotoRef, c.Text, opt)
		return err
	}
	_, err := s.adapter.SendText(ctx, to, c.Text, opt)
	return err
}

func (s *Service) limiterWait(ctx context.Context) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (s *Service) lockDelivery(id int64) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) unlockDelivery(id int64) {
	s.dmu.Lock()
	delete(s.inflight, id)
	s.dmu.Unlock()
}
