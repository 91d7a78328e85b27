package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed はブローカーがメッセージを受理しなかったことを表す。
var ErrNotConfirmed = errors.New("ブローカーがメッセージを受理しませんでした")

// channel はPublisherが使うAMQPチャネルの操作。
type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// opener はブローカーに接続して発行用のチャネルを開く。
// 返すcloser はチャネルと接続の両方を閉じる。
type opener func(ctx context.Context) (channel, func() error, error)

// Publisher は通知キューにメッセージを発行する。
//
// 接続は最初の発行時に確立し、発行に失敗した場合は次回の発行で再接続する。
// 並行して呼び出してよい。
type Publisher struct {
	queue  string
	logger *slog.Logger
	open   opener

	mu     sync.Mutex
	ch     channel
	closer func() error
}

// NewPublisher はPublisherを生成する。
func NewPublisher(url, queue string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
		open:   dialer(url, queue),
	}
}

// dialer はブローカーに接続し、キューを宣言してパブリッシャー確認を有効にする。
func dialer(url, queue string) opener {
	return func(context.Context) (channel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("AMQPブローカーへの接続に失敗: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("AMQPチャネルのオープンに失敗: %w", err)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("キューの宣言に失敗 (queue=%s): %w", queue, err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("パブリッシャー確認の有効化に失敗: %w", err)
		}
		closer := func() error {
			return errors.Join(ignoreClosed(ch.Close()), ignoreClosed(conn.Close()))
		}
		return ch, closer, nil
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// newPublishing はJSON本文の永続メッセージを作る。
func newPublishing(body []byte, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Body:         body,
	}
}

// Publish はメッセージを発行し、ブローカーの確認を待つ。
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, closer, err := p.open(ctx)
		if err != nil {
			return err
		}
		p.ch, p.closer = ch, closer
	}

	msg := newPublishing(body, time.Now())
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, msg)
	if err != nil {
		p.reset()
		return fmt.Errorf("メッセージの発行に失敗 (queue=%s): %w", p.queue, err)
	}
	// 確認モードでないチャネルではnilが返る
	if dc != nil {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			p.reset()
			return fmt.Errorf("発行確認の待機に失敗: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w (message_id=%s)", ErrNotConfirmed, msg.MessageId)
		}
	}

	p.logger.DebugContext(ctx, "メッセージを発行しました", "queue", p.queue, "message_id", msg.MessageId)
	return nil
}

// reset は現在の接続を破棄し、次回の発行で再接続させる。
func (p *Publisher) reset() {
	if p.closer != nil {
		if err := p.closer(); err != nil {
			p.logger.Warn("AMQP接続のクローズに失敗しました", "error", err)
		}
	}
	p.ch, p.closer = nil, nil
}

// Close は接続を閉じる。
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.closer != nil {
		err = p.closer()
	}
	p.ch, p.closer = nil, nil
	return err
}
