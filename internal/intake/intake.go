// Package intake はキューから受け取ったメッセージを検証し、
// 通知パイプラインへ渡すかどうかと確認応答の種類を決める。
package intake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nao1215/eventnotify/internal/metrics"
	"github.com/nao1215/eventnotify/internal/participant"
	"github.com/nao1215/eventnotify/internal/pipeline"
	"github.com/nao1215/eventnotify/pkg/event"
)

// shellEventName は参加者情報にイベント名がない場合に使う名前。
const shellEventName = "Event"

// Outcome はメッセージに対する確認応答の種類。
type Outcome int

const (
	// OutcomeAck は処理を終えたので確認応答する。
	OutcomeAck Outcome = iota
	// OutcomeDrop は処理せずに確認応答してキューから取り除く。
	OutcomeDrop
	// OutcomeRequeue は否定応答して再配送させる。
	OutcomeRequeue
)

// String はログとメトリクスに使う名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeDrop:
		return "drop"
	case OutcomeRequeue:
		return "requeue"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Processor は検証済みの通知メッセージを処理する。
type Processor interface {
	Process(ctx context.Context, msg event.NotificationMessage) (pipeline.Totals, error)
}

// Handler はキューメッセージ1件を処理する。
type Handler struct {
	processor Processor
	source    participant.Source
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler はHandlerを生成する。sourceはリマインダーのイベント名補完に使う。
func NewHandler(processor Processor, source participant.Source, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{processor: processor, source: source, logger: logger, metrics: m}
}

// Handle はメッセージ本文を検証して処理し、確認応答の種類を返す。
//
// 形式が不正なメッセージは再送しても成功しないため破棄する。
// 参加者の取得やパイプラインで発生したエラーは一時的なものとみなして再配送させる。
func (h *Handler) Handle(ctx context.Context, body []byte) Outcome {
	outcome, kind := h.handle(ctx, body)
	h.metrics.MessageHandled(string(kind), outcome.String())
	return outcome
}

func (h *Handler) handle(ctx context.Context, body []byte) (Outcome, event.Kind) {
	decoded, err := event.Decode(body)
	if err != nil {
		h.logger.ErrorContext(ctx, "不正な形式のメッセージを破棄します", "error", err, "body", truncate(body, 512))
		return OutcomeDrop, ""
	}

	var msg event.NotificationMessage
	if decoded.NeedsEnrichment() {
		enriched, outcome, ok := h.enrich(ctx, decoded)
		if !ok {
			return outcome, decoded.Kind
		}
		msg = enriched
	} else {
		msg = *decoded.Message
	}

	h.logger.InfoContext(ctx, "メッセージを受信しました", "event_id", msg.Event.ID, "type", string(msg.Kind))
	if _, err := h.processor.Process(ctx, msg); err != nil {
		h.logger.ErrorContext(ctx, "メッセージの処理に失敗したため再配送します", "event_id", msg.Event.ID, "error", err)
		return OutcomeRequeue, msg.Kind
	}
	return OutcomeAck, msg.Kind
}

// enrich はIDのみのリマインダーに参加者情報からイベント名を補う。
// 補完できた場合はokがtrueになり、できなかった場合は返すべきOutcomeを返す。
func (h *Handler) enrich(ctx context.Context, d *event.Decoded) (event.NotificationMessage, Outcome, bool) {
	page, err := h.source.Page(ctx, d.EventID, 0, 1)
	if err != nil {
		h.logger.ErrorContext(ctx, "リマインダーの補完に失敗したため再配送します", "event_id", d.EventID, "error", err)
		return event.NotificationMessage{}, OutcomeRequeue, false
	}
	if len(page) == 0 {
		h.logger.WarnContext(ctx, "参加者がいないためリマインダーを破棄します", "event_id", d.EventID)
		return event.NotificationMessage{}, OutcomeDrop, false
	}

	name := page[0].EventName
	if name == "" {
		name = shellEventName
	}
	return event.NotificationMessage{
		Kind: event.KindReminder,
		Event: event.Event{
			ID:           d.EventID,
			Name:         name,
			ReminderKind: d.ReminderKind,
		},
	}, OutcomeAck, true
}

// truncate はログ出力用にメッセージ本文を切り詰める。
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
