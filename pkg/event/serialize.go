package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed はメッセージの形式が不正であることを表す。
// このエラーを含むメッセージは再送しても成功しないため破棄する。
var ErrMalformed = errors.New("不正な形式のメッセージ")

// Decoded はデコードと検証を終えたキューメッセージ。
type Decoded struct {
	// Kind は通知の種類。
	Kind Kind
	// Message はイベント詳細を持つメッセージ。
	// イベント詳細を持たないリマインダーの場合はnilで、EventIDとReminderKindから補完する。
	Message *NotificationMessage
	// EventID は補完が必要なリマインダーの対象イベントID。
	EventID string
	// ReminderKind は補完が必要なリマインダーのしきい値種別。
	ReminderKind ReminderKind
}

// NeedsEnrichment はイベント詳細の補完が必要かどうかを返す。
func (d *Decoded) NeedsEnrichment() bool {
	return d.Message == nil
}

// Decode はキューメッセージのJSONをデコードし、必須項目を検証する。
// 検証に失敗した場合は ErrMalformed をラップしたエラーを返す。
func Decode(body []byte) (*Decoded, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: JSONのデコードに失敗: %v", ErrMalformed, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: typeがありません", ErrMalformed)
	}

	kind, err := ParseKind(p.Type)
	if err != nil {
		return nil, err
	}

	if kind == KindReminder {
		return decodeReminder(p)
	}

	if p.Event == nil {
		return nil, fmt.Errorf("%w: eventがありません", ErrMalformed)
	}
	if missing := missingFields(p.Event); len(missing) > 0 {
		return nil, fmt.Errorf("%w: eventの必須項目がありません: %s", ErrMalformed, strings.Join(missing, ", "))
	}

	return &Decoded{
		Kind:    kind,
		Message: &NotificationMessage{Kind: kind, Event: *p.Event},
	}, nil
}

// decodeReminder はリマインダーメッセージを検証する。
// イベント詳細付きの場合はそのまま使い、IDのみの場合は補完対象として返す。
func decodeReminder(p Payload) (*Decoded, error) {
	if p.Event != nil {
		if p.Event.ID == "" {
			return nil, fmt.Errorf("%w: eventにevent_idがありません", ErrMalformed)
		}
		ev := *p.Event
		if ev.ReminderKind == "" {
			ev.ReminderKind = ReminderKind(p.ReminderType)
		}
		return &Decoded{
			Kind:    KindReminder,
			Message: &NotificationMessage{Kind: KindReminder, Event: ev},
		}, nil
	}

	if p.EventID == "" || p.ReminderType == "" {
		return nil, fmt.Errorf("%w: リマインダーにevent_idまたはreminder_typeがありません", ErrMalformed)
	}
	return &Decoded{
		Kind:         KindReminder,
		EventID:      p.EventID,
		ReminderKind: ReminderKind(p.ReminderType),
	}, nil
}

// missingFields はイベントの未設定の必須項目名を返す。
func missingFields(e *Event) []string {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"event_id", e.ID},
		{"event_name", e.Name},
		{"start_time", e.StartTime},
		{"end_time", e.EndTime},
		{"organizer_id", e.OrganizerID},
		{"location", e.Location},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Encode はイベント詳細付きの通知メッセージをキュー用のJSONに変換する。
func Encode(msg NotificationMessage) ([]byte, error) {
	ev := msg.Event
	body, err := json.Marshal(Payload{Type: string(msg.Kind), Event: &ev})
	if err != nil {
		return nil, fmt.Errorf("通知メッセージのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// NewReminderPayload はスケジューラが発行するリマインダーメッセージのJSONを生成する。
func NewReminderPayload(eventID string, kind ReminderKind) ([]byte, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event_idが空です", ErrMalformed)
	}
	body, err := json.Marshal(Payload{
		Type:         string(KindReminder),
		EventID:      eventID,
		ReminderType: string(kind),
	})
	if err != nil {
		return nil, fmt.Errorf("リマインダーメッセージのシリアライズに失敗: %w", err)
	}
	return body, nil
}
