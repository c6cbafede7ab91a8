package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "biliradar/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) AddSubscription(ctx context.Context, sub Subscription) (int64, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(destination, mid, uname, enabled, last_bvid, last_created_ts, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		sub.Destination, sub.MID, sub.Uname, boolInt(sub.Enabled),
		sub.LastBVID, sub.LastCreatedTS, sub.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, destination string, mid int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE destination = ? AND mid = ?`, destination, mid)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, destination string, mid int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET enabled = ? WHERE destination = ? AND mid = ?`,
		boolInt(enabled), destination, mid)
	if err != nil {
		return err
	}
	return requireRows(res)
}

const subColumns = `id, destination, mid, uname, enabled, last_bvid, last_created_ts, created_at`

func (s *sqliteStore) ListSubscriptions(ctx context.Context, destination string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE destination = ? ORDER BY created_at DESC, id DESC`, destination)
	if err != nil {
		return nil, err
	}
	return scanSubs(rows)
}

func (s *sqliteStore) DistinctEnabledPublishers(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT mid FROM subscriptions WHERE enabled = 1 ORDER BY mid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mids []int64
	for rows.Next() {
		var mid int64
		if err := rows.Scan(&mid); err != nil {
			return nil, err
		}
		mids = append(mids, mid)
	}
	return mids, rows.Err()
}

func (s *sqliteStore) EnabledForPublisher(ctx context.Context, mid int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE mid = ? AND enabled = 1 ORDER BY destination`, mid)
	if err != nil {
		return nil, err
	}
	return scanSubs(rows)
}

func (s *sqliteStore) AdvanceWatermark(ctx context.Context, subID int64, wm Watermark) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_bvid = ?, last_created_ts = ? WHERE id = ?`,
		wm.BVID, wm.CreatedTS, subID)
	if err != nil {
		return err
	}
	return requireRows(res)
}

func (s *sqliteStore) AlreadyDelivered(ctx context.Context, d Delivery) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE bvid = ? AND created_ts = ? AND destination = ?`,
		d.BVID, d.CreatedTS, d.Destination).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDelivered records the delivery and advances the watermark in one
// transaction, so a crash between the two cannot produce a duplicate push.
func (s *sqliteStore) MarkDelivered(ctx context.Context, subID int64, d Delivery, wm Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(bvid, created_ts, destination, delivered_at) VALUES(?,?,?,?)`,
		d.BVID, d.CreatedTS, d.Destination, time.Now().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET last_bvid = ?, last_created_ts = ? WHERE id = ?`,
		wm.BVID, wm.CreatedTS, subID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE delivered_at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ResolveDestination(ctx context.Context, destination string) (int64, int, bool, error) {
	var chatID int64
	var threadID int
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, thread_id FROM destinations WHERE destination = ?`, destination).
		Scan(&chatID, &threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return chatID, threadID, true, nil
}

func (s *sqliteStore) SetDestinationChat(ctx context.Context, destination string, chatID int64, threadID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(destination, chat_id, thread_id) VALUES(?,?,?)
		 ON CONFLICT(destination) DO UPDATE SET chat_id=excluded.chat_id, thread_id=excluded.thread_id`,
		destination, chatID, threadID)
	return err
}

func scanSubs(rows *sql.Rows) ([]Subscription, error) {
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var enabled int
		var createdAt string
		if err := rows.Scan(&sub.ID, &sub.Destination, &sub.MID, &sub.Uname,
			&enabled, &sub.LastBVID, &sub.LastCreatedTS, &createdAt); err != nil {
			return nil, err
		}
		sub.Enabled = enabled != 0
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
