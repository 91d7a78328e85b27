package event

import (
	"fmt"
)

// Kind は通知の種類を表す。メールテンプレートの選択に使用する。
type Kind string

const (
	// KindCreated はイベントが作成されたことを表す。
	KindCreated Kind = "event_created"
	// KindUpdated はイベントの内容が更新されたことを表す。
	KindUpdated Kind = "event_updated"
	// KindCancelled はイベントが中止されたことを表す。
	KindCancelled Kind = "event_cancelled"
	// KindReminder はイベント開始前のリマインダーを表す。
	KindReminder Kind = "event_reminder"
)

// kindAliasUpdate は旧バージョンの送信元が使っている更新通知の別名。
const kindAliasUpdate = "event_update"

// ParseKind は文字列を通知種別に変換する。
// 未知の値の場合は ErrMalformed をラップしたエラーを返す。
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindCreated):
		return KindCreated, nil
	case string(KindUpdated), kindAliasUpdate:
		return KindUpdated, nil
	case string(KindCancelled):
		return KindCancelled, nil
	case string(KindReminder):
		return KindReminder, nil
	default:
		return "", fmt.Errorf("%w: 未知の通知種別 %q", ErrMalformed, s)
	}
}

// ReminderKind はリマインダーのしきい値の種類を表す。
type ReminderKind string

const (
	// ReminderOneDay はイベント開始1日前のリマインダー。
	ReminderOneDay ReminderKind = "one_day"
	// ReminderOneHour はイベント開始1時間前のリマインダー。
	ReminderOneHour ReminderKind = "one_hour"
)

// Event は通知対象となるイベントの情報。
// リマインダー補完で生成されたイベントは ID / Name / ReminderKind 以外が空になる。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"event_id"`
	// Name はイベント名。
	Name string `json:"event_name"`
	// Description はイベントの説明。空の場合はメール本文に説明欄を出さない。
	Description string `json:"description,omitempty"`
	// StartTime は開始日時（RFC3339形式）。
	StartTime string `json:"start_time"`
	// EndTime は終了日時（RFC3339形式）。
	EndTime string `json:"end_time"`
	// OrganizerID は主催者のユーザーID。
	OrganizerID string `json:"organizer_id"`
	// Location は開催場所。
	Location string `json:"location"`
	// RemainingSeats は残席数。
	RemainingSeats int `json:"remaining_seats"`
	// ReminderKind はリマインダー通知の場合のしきい値種別。
	ReminderKind ReminderKind `json:"reminder_type,omitempty"`
}

// NotificationMessage はパイプラインが処理する1件の通知メッセージ。
// Message Intakeが生成し、パイプラインが一度だけ消費する。
type NotificationMessage struct {
	// Kind は通知の種類。
	Kind Kind
	// Event は通知対象のイベント。
	Event Event
}

// String はログ出力用の文字列表現を返す。
func (m NotificationMessage) String() string {
	return fmt.Sprintf("NotificationMessage(kind=%s, event_id=%s, event_name=%s)", m.Kind, m.Event.ID, m.Event.Name)
}

// Payload はキューを流れるメッセージのJSON構造。
//
// 作成・更新・中止の通知は Type と Event を持つ。スケジューラが発行する
// リマインダーは Type / EventID / ReminderType のみを持つ。
type Payload struct {
	// Type は通知種別の文字列。
	Type string `json:"type"`
	// Event はイベントの詳細。リマインダーでは省略される。
	Event *Event `json:"event,omitempty"`
	// EventID はリマインダー対象のイベントID。
	EventID string `json:"event_id,omitempty"`
	// ReminderType はリマインダーのしきい値種別。
	ReminderType string `json:"reminder_type,omitempty"`
}
