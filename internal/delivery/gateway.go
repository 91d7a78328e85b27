package delivery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/eventnotify/internal/metrics"
)

// Mail は送信する1通のメール。
type Mail struct {
	To      string
	Subject string
	Body    string
}

// BatchResult はバッチ送信の結果件数。
type BatchResult struct {
	Successful int
	Failed     int
}

// Gateway はプロバイダへの送信をリトライ付きで行う。
type Gateway struct {
	provider   Provider
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// GatewayOption はGatewayの設定を変更する関数。
type GatewayOption func(*Gateway)

// WithRetry はリトライ回数と待機時間を設定する。
// 1通あたりの試行回数は最大 maxRetries+1 回になる。
func WithRetry(maxRetries int, delay time.Duration) GatewayOption {
	return func(g *Gateway) {
		if maxRetries >= 0 {
			g.maxRetries = maxRetries
		}
		if delay >= 0 {
			g.retryDelay = delay
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// NewGateway はGatewayを生成する。デフォルトはリトライ3回、待機5秒。
func NewGateway(provider Provider, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		provider:   provider,
		maxRetries: 3,
		retryDelay: 5 * time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send は1通を送信し、成功したかどうかを返す。
// 失敗した場合は待機してから再送し、すべての試行に失敗するとfalseを返す。
// コンテキストがキャンセルされた場合は待機を打ち切りfalseを返す。
func (g *Gateway) Send(ctx context.Context, m Mail) bool {
	attempts := g.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := g.provider.Send(ctx, m.To, m.Subject, m.Body)
		g.metrics.SendAttempt(err == nil)
		if err == nil {
			return true
		}
		g.logger.WarnContext(ctx, "メール送信に失敗しました",
			"recipient", m.To,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(g.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.logger.WarnContext(ctx, "キャンセルされたため再送を中止しました", "recipient", m.To)
			return false
		case <-timer.C:
		}
	}

	g.logger.ErrorContext(ctx, "リトライ上限に達したため送信を諦めました", "recipient", m.To, "max_retries", g.maxRetries)
	return false
}

// SendBatch はすべてのメールを並行して送信し、全件の完了を待って結果件数を返す。
func (g *Gateway) SendBatch(ctx context.Context, mails []Mail) BatchResult {
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for _, m := range mails {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Send(ctx, m) {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	ok := int(succeeded.Load())
	res := BatchResult{Successful: ok, Failed: len(mails) - ok}
	g.logger.InfoContext(ctx, "バッチ送信が完了しました", "successful", res.Successful, "failed", res.Failed)
	return res
}
