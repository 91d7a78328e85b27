package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

// DefaultSMTPTimeout は1通の送信にかける時間の上限の既定値。
const DefaultSMTPTimeout = 30 * time.Second

// sendMailFunc は組み立て済みのメッセージを1通送信する関数。
type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP はSMTPサーバー経由でHTMLメールを送信するプロバイダ。
// サーバーが対応していればSTARTTLSを使用する。
type SMTP struct {
	host     string
	addr     string
	auth     smtp.Auth
	from     Sender
	timeout  time.Duration
	sendMail sendMailFunc
}

// NewSMTP はSMTPプロバイダを生成する。ユーザー名が空の場合は認証しない。
func NewSMTP(cfg SMTPConfig, from Sender) *SMTP {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSMTPTimeout
	}
	s := &SMTP{
		host:    cfg.Host,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		from:    from,
		timeout: timeout,
	}
	s.sendMail = s.deliver
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

// Send はメールを送信する。
// 接続から送信完了までをタイムアウトとコンテキストの期限で打ち切る。
func (s *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildMessage(s.from, to, subject, htmlBody, time.Now())
	if err != nil {
		return err
	}
	if err := s.sendMail(ctx, s.addr, s.auth, s.from.Email, []string{to}, msg); err != nil {
		return fmt.Errorf("SMTP送信に失敗: %w", err)
	}
	return nil
}

// deliver はSMTPセッションを1回実行する。
// 接続全体に期限を設定し、コンテキストが終了した時点で接続を閉じる。
func (s *SMTP) deliver(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := (&net.Dialer{Timeout: s.timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		if cerr := ctx.Err(); err != nil && cerr != nil {
			err = errors.Join(cerr, err)
		}
	}()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("SMTPサーバーが認証に対応していません")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// buildMessage はHTML本文のMIMEメッセージを組み立てる。
func buildMessage(from Sender, to, subject, htmlBody string, now time.Time) ([]byte, error) {
	if _, err := mail.ParseAddress(to); err != nil {
		return nil, fmt.Errorf("宛先アドレスが不正: %w", err)
	}
	fromAddr := mail.Address{Name: from.Name, Address: from.Email}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", fromAddr.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(htmlBody)); err != nil {
		return nil, fmt.Errorf("本文のエンコードに失敗: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("本文のエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
