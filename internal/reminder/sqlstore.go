package reminder

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/eventnotify/pkg/event"
	"github.com/nao1215/eventnotify/pkg/migration"

	// SQLiteドライバを登録する
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout はSQLiteに保存する時刻の形式。
// 文字列比較で時刻順になるよう固定長のUTCで保存する。
const timeLayout = "2006-01-02 15:04:05"

// SQLStore はdatabase/sqlとSQLiteを使うリマインダーストア。
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite はSQLiteデータベースを開いてSQLStoreを返す。
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("SQLiteのオープンに失敗: %w", err)
	}
	// SQLiteは書き込みを直列化するため接続は1本に絞る
	db.SetMaxOpenConns(1)
	return NewSQLStore(db), nil
}

// NewSQLStore は既存の*sql.DBからSQLStoreを生成する。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate はevent_remindersテーブルを作成するマイグレーションを適用する。
func (s *SQLStore) Migrate(ctx context.Context, logger *slog.Logger) (int, error) {
	return migration.Run(ctx, s.db, migrationsFS, "migrations", logger)
}

// MigrationStatus はマイグレーションの適用状態を返す。
func (s *SQLStore) MigrationStatus(ctx context.Context) ([]migration.File, error) {
	return migration.Status(ctx, s.db, migrationsFS, "migrations")
}

// Acquire は接続プールから1本の接続を取得する。
func (s *SQLStore) Acquire(ctx context.Context) (Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("DB接続の取得に失敗: %w", err)
	}
	return &sqlConn{conn: c}, nil
}

// Add はリマインダー予定を追加する。
func (s *SQLStore) Add(ctx context.Context, r Reminder) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_reminders (
			event_id, before_one_day, before_one_hour,
			notification_sent_for_one_day, notification_sent_for_one_hour
		) VALUES (?, ?, ?, ?, ?)`,
		r.EventID, formatTime(r.OneDayAt), formatTime(r.OneHourAt), r.SentOneDay, r.SentOneHour,
	)
	if err != nil {
		return 0, fmt.Errorf("リマインダーの追加に失敗 (event_id=%s): %w", r.EventID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("採番されたIDの取得に失敗: %w", err)
	}
	return id, nil
}

// Close はデータベースを閉じる。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Pending(ctx context.Context, kind event.ReminderKind, now time.Time) ([]Reminder, error) {
	cols, err := columnsFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, event_id, before_one_day, before_one_hour,
		       notification_sent_for_one_day, notification_sent_for_one_hour
		FROM event_reminders
		WHERE %[1]s <= ? AND %[2]s = ?
		ORDER BY %[1]s, id`, cols.fireAt, cols.sent)

	rows, err := c.conn.QueryContext(ctx, query, formatTime(now), false)
	if err != nil {
		return nil, fmt.Errorf("未送信リマインダーの取得に失敗 (%s): %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Reminder
	for rows.Next() {
		var (
			r             Reminder
			oneDay, oneHr any
		)
		if err := rows.Scan(&r.ID, &r.EventID, &oneDay, &oneHr, &r.SentOneDay, &r.SentOneHour); err != nil {
			return nil, fmt.Errorf("リマインダーの読み取りに失敗: %w", err)
		}
		if r.OneDayAt, err = scanTime(oneDay); err != nil {
			return nil, err
		}
		if r.OneHourAt, err = scanTime(oneHr); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *sqlConn) MarkSent(ctx context.Context, id int64, kind event.ReminderKind) error {
	cols, err := columnsFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE event_reminders SET %[1]s = ? WHERE id = ? AND %[1]s = ?`, cols.sent)
	res, err := c.conn.ExecContext(ctx, query, true, id, false)
	if err != nil {
		return fmt.Errorf("送信済みフラグの更新に失敗 (reminder_id=%d): %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: reminder_id=%d, type=%s", ErrAlreadySent, id, kind)
	}
	return nil
}

func (c *sqlConn) Close() error {
	return c.conn.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// scanTime はドライバが返す時刻の値をtime.Timeに変換する。
// 宣言型によって time.Time と文字列のどちらでも返り得る。
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseStoredTime(t)
	case []byte:
		return parseStoredTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("時刻として解釈できない値: %T", v)
	}
}

func parseStoredTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("時刻の解析に失敗: %q", s)
}
