// Package router dispatches inbound transport updates: every sender is
// upserted into the recipient directory, and admin commands drive the
// campaign engine.
package router

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"

	rtsup "heraldbot/internal/runtime/supervisor"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Text is the argument remainder with original spacing, for commands
	// that take free-form content.
	Text string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// CampaignPort is what the command handlers need from the campaign engine.
type CampaignPort interface {
	Enabled() bool
	Create(ctx context.Context, d storage.CampaignDraft) (int64, error)
	SendNow(id int64) error
	Reschedule(ctx context.Context, id int64, at time.Time) error
	CancelSchedule(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	ArmedCount() int
}

type Router struct {
	mu sync.RWMutex

	log       logx.Logger
	adapter   kit.Adapter
	store     storage.Store
	campaigns CampaignPort

	owners   []int64
	commands map[string]Command
	timezone *time.Location

	jobs chan func()

	runMu   sync.Mutex
	running bool
}

func New(log logx.Logger, adapter kit.Adapter, store storage.Store, campaigns CampaignPort, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log,
		adapter:   adapter,
		store:     store,
		campaigns: campaigns,
		owners:    append([]int64(nil), owners...),
		timezone:  time.Local,
		jobs:      make(chan func(), 256),
	}
	r.commands = r.registry()
	return r
}

// SetOwners replaces the admin set. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

// SetTimezone sets the zone used to parse schedule arguments.
func (r *Router) SetTimezone(loc *time.Location) {
	if loc == nil {
		return
	}
	r.mu.Lock()
	r.timezone = loc
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.mu.RUnlock()
	return cp
}

func (r *Router) location() *time.Location {
	r.mu.RLock()
	loc := r.timezone
	r.mu.RUnlock()
	return loc
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// Handlers run on a bounded worker pool so one slow command cannot stall
// intake.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	const workers = 4

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setRunning(true)
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	for i := 0; i < workers; i++ {
		name := "command.worker." + strconv.Itoa(i)
		sup.Go0(name, func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		})
	}

	defer func() {
		r.setRunning(false)
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) setRunning(v bool) {
	r.runMu.Lock()
	r.running = v
	r.runMu.Unlock()
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	r.runMu.Lock()
	running := r.running
	r.runMu.Unlock()
	if !running {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message

	// Every sender becomes a recipient; bans persist across re-registration.
	r.registerSender(ctx, msg)

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "Unknown command. Try /help.", nil)
		}
		return
	}

	owners := r.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		r.log.Debug("command denied", logx.Int64("from", msg.FromID), logx.String("cmd", cmd.Name))
		return
	}

	rest := strings.TrimSpace(strings.TrimPrefix(text, parts[0]))
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		Text:    rest,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", cmd.Name)),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, req.Chat, "Busy, try again.", nil)
	}
}

func (r *Router) registerSender(ctx context.Context, msg *kit.Message) {
	if msg.FromID == 0 || r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.store.UpsertRecipient(wctx, storage.Recipient{
		ChatID:    msg.FromID,
		Username:  msg.FromUsername,
		FirstName: msg.FromFirst,
	})
	if err != nil {
		r.log.Warn("recipient not registered", logx.Int64("chat", msg.FromID), logx.Err(err))
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
