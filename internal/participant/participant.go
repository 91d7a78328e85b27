package participant

import (
	"context"
	"strings"
)

// statusConfirmed は予約状態が省略された場合の値。
const statusConfirmed = "confirmed"

// Participant はイベントを予約した参加者。
type Participant struct {
	// BookingID は予約の一意識別子。
	BookingID string `json:"booking_id"`
	// EventID は予約対象のイベントID。
	EventID string `json:"event_id"`
	// UserID は参加者のユーザーID。
	UserID string `json:"user_id"`
	// Email は参加者のメールアドレス。
	Email string `json:"user_email"`
	// EventName はイベント名。予約サービスが返す場合のみ設定される。
	EventName string `json:"event_name,omitempty"`
	// BookingTime は予約日時。
	BookingTime string `json:"booking_time,omitempty"`
	// Status は予約状態。
	Status string `json:"status,omitempty"`
}

// DisplayName はメール本文の宛名を返す。
// メールアドレスの@より前の部分を使い、アドレスが空の場合は "User" を返す。
func (p Participant) DisplayName() string {
	if p.Email == "" {
		return "User"
	}
	local, _, _ := strings.Cut(p.Email, "@")
	return local
}

// Source は参加者の取得元。
type Source interface {
	// Count はイベントの参加者数を返す。
	Count(ctx context.Context, eventID string) (int, error)
	// Page はoffset番目から最大limit件の参加者を返す。
	// 該当がない場合はエラーではなく空のスライスを返す。
	Page(ctx context.Context, eventID string, offset, limit int) ([]Participant, error)
}
