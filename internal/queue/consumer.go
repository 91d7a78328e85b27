package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/eventnotify/internal/intake"
)

// Handler はメッセージ本文を処理して確認応答の種類を返す。
type Handler interface {
	Handle(ctx context.Context, body []byte) intake.Outcome
}

// ConsumerConfig はConsumerの接続設定。
type ConsumerConfig struct {
	// URL はAMQPの接続URL。
	URL string
	// Queue は購読するキュー名。存在しなければ永続キューとして作成する。
	Queue string
	// Tag はコンシューマタグ。
	Tag string
}

// Consumer は通知キューを購読する。
//
// プリフェッチは1件で、1件の処理と確認応答が終わるまで次のメッセージを受け取らない。
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	done     chan struct{}
	stopping bool
}

// NewConsumer はConsumerを生成する。
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tag == "" {
		cfg.Tag = "eventnotify"
	}
	return &Consumer{cfg: cfg, handler: handler, logger: logger}
}

// Start はブローカーに接続して購読を開始する。受信は別のgoroutineで行う。
// ctxは受信したメッセージの処理に引き継がれるが、キャンセルされても処理中のメッセージは最後まで処理する。
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return errors.New("コンシューマは既に開始しています")
	}

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("AMQPブローカーへの接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("AMQPチャネルのオープンに失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("キューの宣言に失敗 (queue=%s): %w", c.cfg.Queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("プリフェッチ数の設定に失敗: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("購読の開始に失敗 (queue=%s): %w", c.cfg.Queue, err)
	}

	c.conn, c.ch = conn, ch
	c.done = make(chan struct{})
	go c.run(context.WithoutCancel(ctx), deliveries, c.done)

	c.logger.Info("キューの購読を開始しました", "queue", c.cfg.Queue, "tag", c.cfg.Tag)
	return nil
}

// Done は受信ループが終了すると閉じるチャネルを返す。
// Stopを呼ばずに閉じた場合はブローカーとの接続が失われている。
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Stopping はStopが呼ばれたかどうかを返す。
func (c *Consumer) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// run は配送チャネルが閉じるまでメッセージを1件ずつ処理する。
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for d := range deliveries {
		c.dispatch(ctx, d)
	}
	c.logger.Info("受信ループを終了しました", "queue", c.cfg.Queue)
}

// dispatch は1件のメッセージを処理して確認応答する。
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	outcome := c.handler.Handle(ctx, d.Body)

	var err error
	switch outcome {
	case intake.OutcomeAck, intake.OutcomeDrop:
		err = d.Ack(false)
	case intake.OutcomeRequeue:
		err = d.Nack(false, true)
	default:
		c.logger.Error("未知の処理結果のため再配送します", "outcome", outcome.String(), "delivery_tag", d.DeliveryTag)
		err = d.Nack(false, true)
	}
	if err != nil {
		c.logger.Error("確認応答に失敗しました", "outcome", outcome.String(), "delivery_tag", d.DeliveryTag, "error", err)
	}
}

// Stop は購読を取り消し、処理中のメッセージの完了を待ってから接続を閉じる。
// ctxが先にキャンセルされた場合は待機を打ち切って接続を閉じる。
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	conn, ch, done := c.conn, c.ch, c.done
	c.mu.Unlock()
	if ch == nil {
		return nil
	}

	var errs []error
	if err := ch.Cancel(c.cfg.Tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("購読の取り消しに失敗: %w", err))
	}

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("処理中のメッセージの完了を待たずに停止します", "error", ctx.Err())
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("AMQPチャネルのクローズに失敗: %w", err))
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("AMQP接続のクローズに失敗: %w", err))
	}
	c.logger.Info("キューの購読を停止しました", "queue", c.cfg.Queue)
	return errors.Join(errs...)
}
