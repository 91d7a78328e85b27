package participant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/eventnotify/pkg/httpclient"
)

// BookingClient は予約サービスのREST APIから参加者を取得するSource。
type BookingClient struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewBookingClient は予約サービスのクライアントを生成する。
func NewBookingClient(baseURL string, timeout time.Duration, logger *slog.Logger) *BookingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingClient{
		client: httpclient.New(baseURL, httpclient.WithTimeout(timeout)),
		logger: logger,
	}
}

// countResponse は /bookings/count のレスポンス。
type countResponse struct {
	EventID       string `json:"event_id"`
	TotalBookings int    `json:"total_bookings"`
}

// Count は GET /bookings/count でイベントの予約数を取得する。
func (b *BookingClient) Count(ctx context.Context, eventID string) (int, error) {
	q := url.Values{"event_id": {eventID}}
	var resp countResponse
	if err := b.client.GetJSON(ctx, "/bookings/count?"+q.Encode(), &resp); err != nil {
		return 0, fmt.Errorf("予約数の取得に失敗 (event_id=%s): %w", eventID, err)
	}
	b.logger.DebugContext(ctx, "予約数を取得しました", "event_id", eventID, "total_bookings", resp.TotalBookings)
	return resp.TotalBookings, nil
}

// Page は GET /bookings/batch で予約を1ページ分取得する。
// 404と空のレスポンスは該当なしとして空のスライスを返す。
func (b *BookingClient) Page(ctx context.Context, eventID string, offset, limit int) ([]Participant, error) {
	q := url.Values{
		"event_id":   {eventID},
		"offset":     {strconv.Itoa(offset)},
		"batch_size": {strconv.Itoa(limit)},
	}
	var page []Participant
	if err := b.client.GetJSON(ctx, "/bookings/batch?"+q.Encode(), &page); err != nil {
		if httpclient.IsNotFound(err) {
			b.logger.InfoContext(ctx, "これ以上の予約はありません", "event_id", eventID, "offset", offset)
			return nil, nil
		}
		return nil, fmt.Errorf("予約一覧の取得に失敗 (event_id=%s, offset=%d): %w", eventID, offset, err)
	}
	for i := range page {
		if page[i].Status == "" {
			page[i].Status = statusConfirmed
		}
	}
	b.logger.DebugContext(ctx, "予約一覧を取得しました", "event_id", eventID, "offset", offset, "count", len(page))
	return page, nil
}
