package campaign

import (
	"time"

	logx "heraldbot/pkg/logx"
)

// Arm registers a single-shot trigger for the campaign. An existing timer
// for the same id is replaced (reschedule-in-place). fireAt must be
// strictly in the future.
//
// The timer callback only hands the id to the delivery queue; execution
// happens on worker goroutines, so one slow campaign never delays another
// campaign's trigger.
func (s *Service) Arm(id int64, fireAt time.Time) error {
	delay := time.Until(fireAt)
	if delay <= 0 {
		return ErrPastSchedule
	}

	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	ver := s.timerVer[id] + 1
	s.timerVer[id] = ver

	s.timers[id] = time.AfterFunc(delay, func() {
		// A stale callback (timer replaced or cancelled after firing was
		// already committed) must not trigger delivery.
		s.tmu.Lock()
		if s.timerVer[id] != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, id)
		s.tmu.Unlock()

		s.log.Debug("campaign trigger fired", logx.Int64("campaign", id))
		if err := s.enqueue(id); err != nil {
			// The row still has sent=0; a manual send or restart recovery
			// can retry the whole campaign.
			s.log.Error("trigger fired but hand-off failed", logx.Int64("campaign", id), logx.Err(err))
		}
	})
	s.tmu.Unlock()

	s.log.Debug("campaign trigger armed", logx.Int64("campaign", id), logx.Time("fire_at", fireAt))
	return nil
}

// Disarm removes the trigger if present. Cancelling an already-fired or
// never-armed campaign is a no-op, not an error: concurrent admin edits
// make that ordinary.
//
// Versions stay in timerVer forever: resetting one would let a later Arm
// mint a value an expired-but-unscheduled callback still holds, and that
// callback would then cancel the fresh timer. Bumping past every issued
// value keeps stale callbacks dead.
func (s *Service) Disarm(id int64) {
	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		s.timerVer[id]++
	}
	s.tmu.Unlock()
}

// DisarmAll drops every armed trigger. Timers are a derived index over the
// store; dropping them delays delivery until recovery re-derives them, but
// never loses a campaign.
func (s *Service) DisarmAll() {
	s.tmu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
		s.timerVer[id]++
	}
	s.tmu.Unlock()
}
