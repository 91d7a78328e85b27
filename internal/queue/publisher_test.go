package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel は発行されたメッセージを記録するテスト用チャネル。
// 確認モードを持たないため、発行確認はnilを返す。
type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	return nil, nil
}

func (f *fakeChannel) Close() error { return nil }

// newTestPublisher はfakeChannelを使うPublisherを返す。opensは接続回数を数える。
func newTestPublisher(chans ...*fakeChannel) (*Publisher, *int) {
	opens := 0
	p := NewPublisher("amqp://unused", "event_notifications", discardLogger())
	p.open = func(context.Context) (channel, func() error, error) {
		if opens >= len(chans) {
			return nil, nil, errors.New("接続できません")
		}
		ch := chans[opens]
		opens++
		return ch, ch.Close, nil
	}
	return p, &opens
}

// TestPublisherPublish はPublishメソッドを検証する。
func TestPublisherPublish(t *testing.T) {
	t.Parallel()

	t.Run("キュー名をルーティングキーとして発行されること", func(t *testing.T) {
		t.Parallel()

		ch := &fakeChannel{}
		p, opens := newTestPublisher(ch)

		for range 2 {
			if err := p.Publish(context.Background(), []byte(`{"type":"event_reminder"}`)); err != nil {
				t.Fatalf("Publish()でエラーが発生: %v", err)
			}
		}
		if *opens != 1 {
			t.Errorf("接続回数 = %d, want 1", *opens)
		}
		if len(ch.published) != 2 || ch.keys[0] != "event_notifications" {
			t.Errorf("発行内容が不正: keys=%v", ch.keys)
		}
	})

	t.Run("発行に失敗した場合は次回再接続すること", func(t *testing.T) {
		t.Parallel()

		broken := &fakeChannel{err: errors.New("connection reset")}
		healthy := &fakeChannel{}
		p, opens := newTestPublisher(broken, healthy)

		if err := p.Publish(context.Background(), []byte(`{}`)); err == nil {
			t.Fatal("1回目のPublish()でエラーが返らなかった")
		}
		if err := p.Publish(context.Background(), []byte(`{}`)); err != nil {
			t.Fatalf("2回目のPublish()でエラーが発生: %v", err)
		}
		if *opens != 2 || len(healthy.published) != 1 {
			t.Errorf("opens = %d, published = %d", *opens, len(healthy.published))
		}
	})

	t.Run("接続できない場合はエラーが返ること", func(t *testing.T) {
		t.Parallel()

		p, _ := newTestPublisher()
		if err := p.Publish(context.Background(), []byte(`{}`)); err == nil {
			t.Error("エラーが返らなかった")
		}
		if err := p.Close(); err != nil {
			t.Errorf("Close()でエラーが発生: %v", err)
		}
	})
}

// TestNewPublishing は発行メッセージの属性を検証する。
func TestNewPublishing(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	msg := newPublishing([]byte(`{}`), now)

	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want Persistent", msg.DeliveryMode)
	}
	if msg.ContentType != "application/json" {
		t.Errorf("ContentType = %q", msg.ContentType)
	}
	if _, err := uuid.Parse(msg.MessageId); err != nil {
		t.Errorf("MessageIdがUUIDでない: %q", msg.MessageId)
	}
	if !msg.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, now)
	}
}
