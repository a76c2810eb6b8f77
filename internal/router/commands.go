package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"heraldbot/internal/campaign"
	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
)

const scheduleLayout = "2006-01-02 15:04"

func (r *Router) registry() map[string]Command {
	cmds := []Command{
		{
			Name:        "start",
			Description: "register for broadcasts",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      r.cmdStart,
		},
		{
			Name:        "help",
			Description: "show available commands",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      r.cmdHelp,
		},
		{
			Name:        "newcast",
			Description: "create a campaign",
			Usage:       "/newcast [YYYY-MM-DD HH:MM |] text (attach a photo to send it with the text as caption)",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdNewcast,
		},
		{
			Name:        "campaigns",
			Description: "list scheduled campaigns",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdCampaigns,
		},
		{
			Name:        "sendnow",
			Description: "deliver a campaign immediately",
			Usage:       "/sendnow <id>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdSendNow,
		},
		{
			Name:        "recast",
			Description: "move a campaign's schedule",
			Usage:       "/recast <id> YYYY-MM-DD HH:MM",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdRecast,
		},
		{
			Name:        "cancelcast",
			Description: "cancel a campaign's schedule",
			Usage:       "/cancelcast <id>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdCancelcast,
		},
		{
			Name:        "delcast",
			Description: "delete a campaign",
			Usage:       "/delcast <id>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdDelcast,
		},
		{
			Name:        "ban",
			Description: "exclude a recipient from broadcasts",
			Usage:       "/ban <chat_id>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdBan(true),
		},
		{
			Name:        "unban",
			Description: "re-include a recipient",
			Usage:       "/unban <chat_id>",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdBan(false),
		},
		{
			Name:        "health",
			Description: "engine status",
			Access:      AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      r.cmdHealth,
		},
	}
	out := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		out[c.Name] = c
	}
	return out
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	// Registration already happened in route; just acknowledge.
	_, err := req.Adapter.SendText(ctx, req.Chat, "You're in. Broadcasts will arrive here.", nil)
	return err
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()

	owner := isOwner(req.FromID, r.ownersSnapshot())
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, name := range []string{"start", "help", "newcast", "campaigns", "sendnow", "recast", "cancelcast", "delcast", "ban", "unban", "health"} {
		for _, c := range cmds {
			if c.Name != name {
				continue
			}
			if c.Access == AccessOwnerOnly && !owner {
				continue
			}
			fmt.Fprintf(&b, "/%s — %s\n", c.Name, c.Description)
			if c.Usage != "" && owner {
				fmt.Fprintf(&b, "    <code>%s</code>\n", c.Usage)
			}
		}
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, b.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (r *Router) cmdNewcast(ctx context.Context, req *Request) error {
	body := req.Text
	var scheduledAt *time.Time

	// "YYYY-MM-DD HH:MM | text" schedules; bare text is delivered on
	// /sendnow only.
	if at, rest, ok := splitSchedule(body, r.location()); ok {
		scheduledAt = &at
		body = rest
	}

	photo := ""
	if req.Update.Message != nil {
		photo = req.Update.Message.PhotoID
	}
	if strings.TrimSpace(body) == "" && photo == "" {
		return r.reply(ctx, req, "Nothing to send. "+r.usage("newcast"))
	}

	id, err := r.campaigns.Create(ctx, storage.CampaignDraft{
		Text:        body,
		PhotoRef:    photo,
		ScheduledAt: scheduledAt,
	})
	if errors.Is(err, campaign.ErrPastSchedule) {
		return r.reply(ctx, req, "That moment already passed. Pick a future time.")
	}
	if err != nil {
		return err
	}

	if scheduledAt != nil {
		return r.reply(ctx, req, fmt.Sprintf("Campaign #%d scheduled for %s.", id, scheduledAt.Format(scheduleLayout)))
	}
	return r.reply(ctx, req, fmt.Sprintf("Campaign #%d saved. /sendnow %d to deliver it.", id, id))
}

func (r *Router) cmdCampaigns(ctx context.Context, req *Request) error {
	pending, err := r.store.PendingCampaigns(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return r.reply(ctx, req, "No scheduled campaigns.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%d scheduled campaign(s)</b>\n", len(pending))
	for _, c := range pending {
		kind := ""
		if c.PhotoRef != "" {
			kind = " 📷"
		}
		fmt.Fprintf(&b, "#%d · %s%s · %s\n",
			c.ID, c.ScheduledAt.In(r.location()).Format(scheduleLayout), kind, excerpt(c.Text, 40))
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, b.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (r *Router) cmdSendNow(ctx context.Context, req *Request) error {
	id, ok := idArg(req.Args)
	if !ok {
		return r.reply(ctx, req, r.usage("sendnow"))
	}
	if _, err := r.store.CampaignByID(ctx, id); errors.Is(err, storage.ErrNotFound) {
		return r.reply(ctx, req, fmt.Sprintf("No campaign #%d.", id))
	} else if err != nil {
		return err
	}
	switch err := r.campaigns.SendNow(id); {
	case errors.Is(err, campaign.ErrDisabled):
		return r.reply(ctx, req, "Campaign engine is disabled.")
	case errors.Is(err, campaign.ErrQueueFull):
		return r.reply(ctx, req, "Delivery queue is full, try again shortly.")
	case err != nil:
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Campaign #%d queued for delivery.", id))
}

func (r *Router) cmdRecast(ctx context.Context, req *Request) error {
	id, ok := idArg(req.Args)
	if !ok || len(req.Args) < 3 {
		return r.reply(ctx, req, r.usage("recast"))
	}
	at, err := time.ParseInLocation(scheduleLayout, req.Args[1]+" "+req.Args[2], r.location())
	if err != nil {
		return r.reply(ctx, req, r.usage("recast"))
	}
	switch err := r.campaigns.Reschedule(ctx, id, at); {
	case errors.Is(err, storage.ErrNotFound):
		return r.reply(ctx, req, fmt.Sprintf("No campaign #%d.", id))
	case errors.Is(err, campaign.ErrPastSchedule):
		return r.reply(ctx, req, "That moment already passed. Pick a future time.")
	case err != nil:
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Campaign #%d rescheduled for %s.", id, at.Format(scheduleLayout)))
}

func (r *Router) cmdCancelcast(ctx context.Context, req *Request) error {
	id, ok := idArg(req.Args)
	if !ok {
		return r.reply(ctx, req, r.usage("cancelcast"))
	}
	err := r.campaigns.CancelSchedule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return r.reply(ctx, req, fmt.Sprintf("No campaign #%d.", id))
	}
	if err != nil {
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Campaign #%d unscheduled. The content is kept; /sendnow %d or /delcast %d.", id, id, id))
}

func (r *Router) cmdDelcast(ctx context.Context, req *Request) error {
	id, ok := idArg(req.Args)
	if !ok {
		return r.reply(ctx, req, r.usage("delcast"))
	}
	err := r.campaigns.Delete(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return r.reply(ctx, req, fmt.Sprintf("No campaign #%d.", id))
	}
	if err != nil {
		return err
	}
	return r.reply(ctx, req, fmt.Sprintf("Campaign #%d deleted.", id))
}

func (r *Router) cmdBan(banned bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		name := "ban"
		if !banned {
			name = "unban"
		}
		id, ok := idArg(req.Args)
		if !ok {
			return r.reply(ctx, req, r.usage(name))
		}
		err := r.store.SetRecipientBanned(ctx, id, banned)
		if errors.Is(err, storage.ErrNotFound) {
			return r.reply(ctx, req, fmt.Sprintf("No recipient %d.", id))
		}
		if err != nil {
			return err
		}
		if banned {
			return r.reply(ctx, req, fmt.Sprintf("Recipient %d banned from broadcasts.", id))
		}
		return r.reply(ctx, req, fmt.Sprintf("Recipient %d will receive broadcasts again.", id))
	}
}

func (r *Router) cmdHealth(ctx context.Context, req *Request) error {
	total, banned, err := r.store.CountRecipients(ctx)
	if err != nil {
		return err
	}
	pending, err := r.store.PendingCampaigns(ctx, time.Now())
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("<b>heraldbot</b>\n")
	fmt.Fprintf(&b, "recipients: %d (%d banned)\n", total, banned)
	fmt.Fprintf(&b, "scheduled: %d, armed: %d\n", len(pending), r.campaigns.ArmedCount())
	fmt.Fprintf(&b, "engine: %s\n", onOff(r.campaigns.Enabled()))
	_, err = req.Adapter.SendText(ctx, req.Chat, b.String(), &kit.SendOptions{ParseMode: "HTML"})
	return err
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func (r *Router) usage(name string) string {
	r.mu.RLock()
	c := r.commands[name]
	r.mu.RUnlock()
	return "Usage: " + c.Usage
}

func idArg(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// splitSchedule parses a leading "YYYY-MM-DD HH:MM |" prefix.
func splitSchedule(s string, loc *time.Location) (time.Time, string, bool) {
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return time.Time{}, "", false
	}
	at, err := time.ParseInLocation(scheduleLayout, strings.TrimSpace(s[:i]), loc)
	if err != nil {
		return time.Time{}, "", false
	}
	return at, strings.TrimSpace(s[i+1:]), true
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}
