// Package pipeline は1件の通知メッセージを参加者全員へのメール配信に展開する。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nao1215/eventnotify/internal/delivery"
	"github.com/nao1215/eventnotify/internal/mailtemplate"
	"github.com/nao1215/eventnotify/internal/metrics"
	"github.com/nao1215/eventnotify/internal/participant"
	"github.com/nao1215/eventnotify/pkg/event"
)

// DefaultBatchSize は1ページで取得する参加者数のデフォルト値。
const DefaultBatchSize = 100

// Renderer は通知メールを生成する。
type Renderer interface {
	Supports(kind event.Kind) bool
	Render(kind event.Kind, ev event.Event, recipientName string) (mailtemplate.Rendered, error)
}

// BatchSender はメールのバッチを送信する。
type BatchSender interface {
	SendBatch(ctx context.Context, mails []delivery.Mail) delivery.BatchResult
}

// Totals は1メッセージの処理結果。
type Totals struct {
	// Participants は処理開始時点の参加者数。
	Participants int
	// Pages は参加者が1人以上いたページ数。
	Pages int
	// Sent は送信に成功した件数。
	Sent int
	// Failed はリトライ後も送信できなかった件数。
	Failed int
}

// Pipeline は通知メッセージを処理する。
type Pipeline struct {
	renderer  Renderer
	source    participant.Source
	sender    BatchSender
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New はPipelineを生成する。batchSizeが0以下の場合はDefaultBatchSizeを使う。
func New(renderer Renderer, source participant.Source, sender BatchSender, batchSize int, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		renderer:  renderer,
		source:    source,
		sender:    sender,
		batchSize: batchSize,
		logger:    logger,
		metrics:   m,
	}
}

// Process はメッセージの対象イベントの参加者全員にメールを送る。
//
// 参加者はページ単位で順に取得し、空のページが返るまで繰り返す。ページ内の宛先へは並行して送信する。
// テンプレートのない種別は何もせずに正常終了する。参加者の取得に失敗した場合はエラーを返す。
// 個々の送信失敗はエラーにせず Totals.Failed に数える。
func (p *Pipeline) Process(ctx context.Context, msg event.NotificationMessage) (Totals, error) {
	ev := msg.Event
	log := p.logger.With("event_id", ev.ID, "type", string(msg.Kind))

	if !p.renderer.Supports(msg.Kind) {
		log.ErrorContext(ctx, "通知種別に対応するテンプレートがないため破棄します")
		return Totals{}, nil
	}

	total, err := p.source.Count(ctx, ev.ID)
	if err != nil {
		return Totals{}, fmt.Errorf("参加者数の取得に失敗: %w", err)
	}
	totals := Totals{Participants: total}
	if total == 0 {
		log.InfoContext(ctx, "参加者がいないため送信しません")
		return totals, nil
	}
	log.InfoContext(ctx, "通知の配信を開始します", "participants", total, "batch_size", p.batchSize)

	for offset := 0; ; offset += p.batchSize {
		page, err := p.source.Page(ctx, ev.ID, offset, p.batchSize)
		p.metrics.PageFetched()
		if err != nil {
			return totals, fmt.Errorf("参加者一覧の取得に失敗 (offset=%d): %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		totals.Pages++

		mails, renderFailed := p.renderPage(ctx, msg, page)
		res := p.sender.SendBatch(ctx, mails)
		totals.Sent += res.Successful
		totals.Failed += res.Failed + renderFailed

		log.InfoContext(ctx, "ページの送信が完了しました",
			"page", totals.Pages,
			"offset", offset,
			"size", len(page),
			"sent", res.Successful,
			"failed", res.Failed+renderFailed,
		)
	}

	p.metrics.Delivered(string(msg.Kind), totals.Sent, totals.Failed)
	log.InfoContext(ctx, "通知の配信が完了しました",
		"participants", totals.Participants,
		"pages", totals.Pages,
		"sent", totals.Sent,
		"failed", totals.Failed,
	)
	return totals, nil
}

// renderPage はページ内の参加者ごとにメールを生成する。
// 生成に失敗した参加者はスキップし、その件数を返す。
func (p *Pipeline) renderPage(ctx context.Context, msg event.NotificationMessage, page []participant.Participant) ([]delivery.Mail, int) {
	mails := make([]delivery.Mail, 0, len(page))
	failed := 0
	for _, pt := range page {
		r, err := p.renderer.Render(msg.Kind, msg.Event, pt.DisplayName())
		if err != nil {
			p.logger.ErrorContext(ctx, "メールの生成に失敗しました",
				"event_id", msg.Event.ID, "recipient", pt.Email, "error", err)
			failed++
			continue
		}
		mails = append(mails, delivery.Mail{To: pt.Email, Subject: r.Subject, Body: r.Body})
	}
	return mails, failed
}
