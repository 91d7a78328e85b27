package reminder

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nao1215/eventnotify/pkg/event"
)

// reminderRow はevent_remindersテーブルの行。
type reminderRow struct {
	ID                         int64     `gorm:"primaryKey;autoIncrement"`
	EventID                    string    `gorm:"size:255;not null;index"`
	BeforeOneDay               time.Time `gorm:"not null;index"`
	BeforeOneHour              time.Time `gorm:"not null;index"`
	NotificationSentForOneDay  bool      `gorm:"not null;default:false"`
	NotificationSentForOneHour bool      `gorm:"not null;default:false"`
}

// TableName はテーブル名を返す。
func (reminderRow) TableName() string {
	return "event_reminders"
}

func (r reminderRow) toReminder() Reminder {
	return Reminder{
		ID:          r.ID,
		EventID:     r.EventID,
		OneDayAt:    r.BeforeOneDay.UTC(),
		OneHourAt:   r.BeforeOneHour.UTC(),
		SentOneDay:  r.NotificationSentForOneDay,
		SentOneHour: r.NotificationSentForOneHour,
	}
}

// GormStore はgormとPostgreSQLを使うリマインダーストア。
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres はPostgreSQLに接続してGormStoreを返す。
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("PostgreSQLへの接続に失敗: %w", err)
	}
	return NewGormStore(db), nil
}

// NewGormStore は既存の*gorm.DBからGormStoreを生成する。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate はevent_remindersテーブルを作成または更新する。
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&reminderRow{}); err != nil {
		return fmt.Errorf("event_remindersのマイグレーションに失敗: %w", err)
	}
	return nil
}

// Acquire はスキャン1回分のセッションを返す。
// コネクションプールはgormが管理するため、Closeでは何もしない。
func (s *GormStore) Acquire(ctx context.Context) (Conn, error) {
	return &gormConn{db: s.db.WithContext(ctx)}, nil
}

// Add はリマインダー予定を追加する。
func (s *GormStore) Add(ctx context.Context, r Reminder) (int64, error) {
	row := reminderRow{
		EventID:                    r.EventID,
		BeforeOneDay:               r.OneDayAt.UTC(),
		BeforeOneHour:              r.OneHourAt.UTC(),
		NotificationSentForOneDay:  r.SentOneDay,
		NotificationSentForOneHour: r.SentOneHour,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("リマインダーの追加に失敗 (event_id=%s): %w", r.EventID, err)
	}
	return row.ID, nil
}

// Close は内部のコネクションプールを閉じる。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormConn struct {
	db *gorm.DB
}

// pendingQuery は未送信リマインダーを取得するクエリを組み立てる。
func pendingQuery(db *gorm.DB, cols columns, now time.Time) *gorm.DB {
	return db.Model(&reminderRow{}).
		Where(cols.fireAt+" <= ?", now.UTC()).
		Where(cols.sent+" = ?", false).
		Order(cols.fireAt).
		Order("id")
}

// markSentQuery は未送信の場合に限り送信済みフラグを立てるクエリを実行する。
func markSentQuery(db *gorm.DB, cols columns, id int64) *gorm.DB {
	return db.Model(&reminderRow{}).
		Where("id = ?", id).
		Where(cols.sent+" = ?", false).
		Update(cols.sent, true)
}

func (c *gormConn) Pending(ctx context.Context, kind event.ReminderKind, now time.Time) ([]Reminder, error) {
	cols, err := columnsFor(kind)
	if err != nil {
		return nil, err
	}
	var rows []reminderRow
	if err := pendingQuery(c.db.WithContext(ctx), cols, now).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("未送信リマインダーの取得に失敗 (%s): %w", kind, err)
	}
	out := make([]Reminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toReminder())
	}
	return out, nil
}

func (c *gormConn) MarkSent(ctx context.Context, id int64, kind event.ReminderKind) error {
	cols, err := columnsFor(kind)
	if err != nil {
		return err
	}
	res := markSentQuery(c.db.WithContext(ctx), cols, id)
	if res.Error != nil {
		return fmt.Errorf("送信済みフラグの更新に失敗 (reminder_id=%d): %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: reminder_id=%d, type=%s", ErrAlreadySent, id, kind)
	}
	return nil
}

func (c *gormConn) Close() error {
	return nil
}
