package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	kit "heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./heraldbot.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- campaigns ----

func (s *sqliteStore) CreateCampaign(ctx context.Context, d CampaignDraft) (int64, error) {
	buttons, err := encodeButtons(d.Buttons)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(text, photo_ref, buttons, scheduled_at, sent, created_at)
		 VALUES(?,?,?,?,0,?)`,
		d.Text, d.PhotoRef, buttons, nullMillis(d.ScheduledAt), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const campaignCols = `id, text, photo_ref, buttons, scheduled_at, sent, created_at`

func (s *sqliteStore) CampaignByID(ctx context.Context, id int64) (Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) PendingCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE sent = 0 AND scheduled_at IS NOT NULL AND scheduled_at > ?
		 ORDER BY scheduled_at ASC`, now.UnixMilli())
}

func (s *sqliteStore) OverdueCampaigns(ctx context.Context, now time.Time) ([]Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE sent = 0 AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC`, now.UnixMilli())
}

func (s *sqliteStore) queryCampaigns(ctx context.Context, q string, args ...any) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkCampaignSent(ctx context.Context, id int64) (bool, error) {
	// The sent guard lives in the WHERE clause: concurrent callers race on a
	// single-row UPDATE and at most one sees rows-affected = 1.
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET sent = 1 WHERE id = ? AND sent = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) UpdateCampaign(ctx context.Context, id int64, p CampaignPatch) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if p.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *p.Text)
	}
	if p.PhotoRef != nil {
		sets = append(sets, "photo_ref = ?")
		args = append(args, *p.PhotoRef)
	}
	if p.Buttons != nil {
		buttons, err := encodeButtons(*p.Buttons)
		if err != nil {
			return err
		}
		sets = append(sets, "buttons = ?")
		args = append(args, buttons)
	}
	if p.ClearSchedule {
		sets = append(sets, "scheduled_at = NULL")
	} else if p.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, p.ScheduledAt.UnixMilli())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteCampaign(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PruneSentCampaigns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaigns WHERE sent = 1 AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- recipients ----

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	now := time.Now().UnixMilli()
	created := now
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt.UnixMilli()
	}
	seen := now
	if !r.LastSeen.IsZero() {
		seen = r.LastSeen.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(chat_id, username, first_name, banned, created_at, last_seen)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   username = excluded.username,
		   first_name = excluded.first_name,
		   last_seen = excluded.last_seen`,
		r.ChatID, r.Username, r.FirstName, boolInt(r.Banned), created, seen,
	)
	return err
}

func (s *sqliteStore) SetRecipientBanned(ctx context.Context, chatID int64, banned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET banned = ? WHERE chat_id = ?`, boolInt(banned), chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ActiveRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, username, first_name, banned, created_at, last_seen
		 FROM recipients WHERE banned = 0 ORDER BY chat_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var banned int
		var created, seen int64
		if err := rows.Scan(&r.ChatID, &r.Username, &r.FirstName, &banned, &created, &seen); err != nil {
			return nil, err
		}
		r.Banned = banned != 0
		r.CreatedAt = time.UnixMilli(created)
		r.LastSeen = time.UnixMilli(seen)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountRecipients(ctx context.Context) (total, banned int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(banned), 0) FROM recipients`).Scan(&total, &banned)
	return total, banned, err
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, campaign_id, action, delivered, failed, total, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.CampaignID, e.Action,
		e.Delivered, e.Failed, e.Total, nullStr(e.Error), e.TookMS,
	)
	return err
}

// ---- row helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	var buttons string
	var sched sql.NullInt64
	var sent int
	var created int64
	if err := row.Scan(&c.ID, &c.Text, &c.PhotoRef, &buttons, &sched, &sent, &created); err != nil {
		return Campaign{}, err
	}
	c.Sent = sent != 0
	c.CreatedAt = time.UnixMilli(created)
	if sched.Valid {
		t := time.UnixMilli(sched.Int64)
		c.ScheduledAt = &t
	}
	if buttons != "" {
		if err := json.Unmarshal([]byte(buttons), &c.Buttons); err != nil {
			return Campaign{}, fmt.Errorf("campaign %d: decode buttons: %w", c.ID, err)
		}
	}
	return c, nil
}

func encodeButtons(rows [][]kit.Button) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode buttons: %w", err)
	}
	return string(b), nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
