// Package audit persists campaign lifecycle events to the store, giving
// admins a durable record of what fired, when, and with what outcome.
package audit

import (
	"context"
	"time"

	"heraldbot/internal/campaign"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/storage"
	logx "heraldbot/pkg/logx"
)

// Writer subscribes to the event bus and appends audit rows. It is
// best-effort: a failed write is logged, never retried, and never blocks
// publishers.
type Writer struct {
	store  storage.Store
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
}

// New subscribes to the bus immediately, so events published between
// construction and Run are buffered rather than lost.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Writer{store: store, log: log}
	if store != nil && bus != nil {
		w.events, w.unsub = bus.Subscribe(128)
	}
	return w
}

// Run consumes events until ctx is done. Intended to run under the app
// supervisor.
func (w *Writer) Run(ctx context.Context) {
	if w.events == nil {
		return
	}
	defer w.unsub()
	events := w.events

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if entry, ok := entryFor(e); ok {
				w.append(ctx, entry)
			}
		}
	}
}

func (w *Writer) append(ctx context.Context, e storage.AuditEntry) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := w.store.AppendAudit(wctx, e); err != nil {
		w.log.Warn("audit row not written",
			logx.String("action", e.Action),
			logx.Int64("campaign", e.CampaignID),
			logx.Err(err))
	}
}

func entryFor(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch e.Type {
	case campaign.EventDelivered:
		d, ok := e.Data.(campaign.DeliveredEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:         at,
			CampaignID: d.CampaignID,
			Action:     "delivered",
			Delivered:  d.Delivered,
			Failed:     d.Failed,
			Total:      d.Total,
			TookMS:     d.TookMS,
			Error:      d.Error,
		}, true
	case campaign.EventRecovered:
		r, ok := e.Data.(campaign.RecoveredEvent)
		if !ok {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:        at,
			Action:    "recovered",
			Delivered: r.Fired,
			Total:     r.Rearmed + r.Missed,
		}, true
	default:
		return storage.AuditEntry{}, false
	}
}
