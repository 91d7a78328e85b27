package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/eventnotify/pkg/event"
)

// ErrAlreadySent は送信済みフラグが既に立っていたか、対象が存在しないことを表す。
var ErrAlreadySent = errors.New("リマインダーは送信済みです")

// ErrUnknownKind は未知のリマインダー種別が指定されたことを表す。
var ErrUnknownKind = errors.New("未知のリマインダー種別")

// Reminder はイベント1件分のリマインダー予定。
type Reminder struct {
	// ID は主キー。
	ID int64
	// EventID は対象イベントのID。
	EventID string
	// OneDayAt は1日前リマインダーの発行時刻。
	OneDayAt time.Time
	// OneHourAt は1時間前リマインダーの発行時刻。
	OneHourAt time.Time
	// SentOneDay は1日前リマインダーを発行済みかどうか。
	SentOneDay bool
	// SentOneHour は1時間前リマインダーを発行済みかどうか。
	SentOneHour bool
}

// ForEvent はイベント開始時刻から1日前と1時間前のリマインダー予定を作る。
func ForEvent(eventID string, startsAt time.Time) Reminder {
	return Reminder{
		EventID:   eventID,
		OneDayAt:  startsAt.Add(-24 * time.Hour).UTC(),
		OneHourAt: startsAt.Add(-time.Hour).UTC(),
	}
}

// Store はリマインダーの保存先。
type Store interface {
	// Acquire は1回のスキャンで使う接続を取得する。使い終わったらCloseする。
	Acquire(ctx context.Context) (Conn, error)
	// Add はリマインダー予定を追加し、採番されたIDを返す。
	Add(ctx context.Context, r Reminder) (int64, error)
	// Close はストアを閉じる。
	Close() error
}

// Conn は1回のスキャンの間保持する接続。
type Conn interface {
	// Pending は発行時刻がnow以前で未送信のリマインダーを発行時刻順に返す。
	Pending(ctx context.Context, kind event.ReminderKind, now time.Time) ([]Reminder, error)
	// MarkSent は未送信の場合に限り送信済みフラグを立てる。
	// 既に送信済みか存在しない場合は ErrAlreadySent を返す。
	MarkSent(ctx context.Context, id int64, kind event.ReminderKind) error
	// Close は接続を返却する。
	Close() error
}

// columns はリマインダー種別に対応する発行時刻と送信済みフラグのカラム名。
type columns struct {
	fireAt string
	sent   string
}

func columnsFor(kind event.ReminderKind) (columns, error) {
	switch kind {
	case event.ReminderOneDay:
		return columns{fireAt: "before_one_day", sent: "notification_sent_for_one_day"}, nil
	case event.ReminderOneHour:
		return columns{fireAt: "before_one_hour", sent: "notification_sent_for_one_hour"}, nil
	default:
		return columns{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
