package delivery

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// listenLocal はテスト用にループバックで待ち受け、SMTP設定を返す。
func listenLocal(t *testing.T) (net.Listener, SMTPConfig) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("待ち受けに失敗: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, SMTPConfig{Host: "127.0.0.1", Port: port}
}

// acceptSilently は接続を受け付けるだけで応答を返さない。
func acceptSilently(t *testing.T, ln net.Listener) {
	t.Helper()

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
}

// serveOnce は1回分のSMTPセッションに応答し、受信したメッセージを送る。
func serveOnce(ln net.Listener, received chan<- string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, _, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			_ = tp.PrintfLine("250-localhost")
			_ = tp.PrintfLine("250 8BITMIME")
		case "MAIL", "RCPT":
			_ = tp.PrintfLine("250 OK")
		case "DATA":
			_ = tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			received <- strings.Join(lines, "\n")
			_ = tp.PrintfLine("250 OK")
		case "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("502 Command not implemented")
		}
	}
}

// sendWithin はSendを実行し、limit以内に戻らなければテストを失敗させる。
func sendWithin(t *testing.T, limit time.Duration, send func() error) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- send() }()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("%v経過しても送信処理が戻らない", limit)
		return nil
	}
}

// TestSMTPSession はSMTPサーバーとのセッションを検証する。
func TestSMTPSession(t *testing.T) {
	t.Parallel()

	t.Run("SMTPサーバーへメッセージが届くこと", func(t *testing.T) {
		t.Parallel()

		ln, cfg := listenLocal(t)
		received := make(chan string, 1)
		go serveOnce(ln, received)

		cfg.Timeout = 5 * time.Second
		s := NewSMTP(cfg, Sender{Email: "noreply@example.com", Name: "Notification Service"})
		err := sendWithin(t, 10*time.Second, func() error {
			return s.Send(context.Background(), "john@example.com", "New Event: Go Meetup", "<p>Hello</p>")
		})
		if err != nil {
			t.Fatalf("Send()でエラーが発生: %v", err)
		}
		msg := <-received
		for _, want := range []string{"To: john@example.com", "Subject: New Event: Go Meetup", "<p>Hello</p>"} {
			if !strings.Contains(msg, want) {
				t.Errorf("受信したメッセージに %q が含まれていない:\n%s", want, msg)
			}
		}
	})

	t.Run("応答しないサーバーはタイムアウトでエラーになること", func(t *testing.T) {
		t.Parallel()

		ln, cfg := listenLocal(t)
		acceptSilently(t, ln)

		cfg.Timeout = 200 * time.Millisecond
		s := NewSMTP(cfg, Sender{Email: "noreply@example.com"})
		err := sendWithin(t, 5*time.Second, func() error {
			return s.Send(context.Background(), "john@example.com", "s", "b")
		})
		if err == nil {
			t.Error("エラーが返らなかった")
		}
	})

	t.Run("コンテキストの期限で送信が打ち切られること", func(t *testing.T) {
		t.Parallel()

		ln, cfg := listenLocal(t)
		acceptSilently(t, ln)

		cfg.Timeout = time.Minute
		s := NewSMTP(cfg, Sender{Email: "noreply@example.com"})
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err := sendWithin(t, 5*time.Second, func() error {
			return s.Send(ctx, "john@example.com", "s", "b")
		})
		if err == nil {
			t.Error("エラーが返らなかった")
		}
	})

	t.Run("応答しないサーバーでもGatewayは失敗を返すこと", func(t *testing.T) {
		t.Parallel()

		ln, cfg := listenLocal(t)
		acceptSilently(t, ln)

		cfg.Timeout = time.Minute
		g := NewGateway(NewSMTP(cfg, Sender{Email: "noreply@example.com"}), discardLogger(), WithRetry(0, 0))
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		done := make(chan bool, 1)
		go func() { done <- g.Send(ctx, Mail{To: "john@example.com", Subject: "s", Body: "b"}) }()
		select {
		case ok := <-done:
			if ok {
				t.Error("Send() = true, want false")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("5秒経過してもGateway.Sendが戻らない")
		}
	})

	t.Run("タイムアウト未設定の場合は既定値を使うこと", func(t *testing.T) {
		t.Parallel()

		s := NewSMTP(SMTPConfig{Host: "mail.example.com"}, Sender{Email: "noreply@example.com"})
		if s.timeout != DefaultSMTPTimeout {
			t.Errorf("timeout = %v, want %v", s.timeout, DefaultSMTPTimeout)
		}
		if s.addr != net.JoinHostPort("mail.example.com", strconv.Itoa(587)) {
			t.Errorf("addr = %q", s.addr)
		}
	})
}
