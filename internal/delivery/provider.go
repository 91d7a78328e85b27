package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrUnknownProvider は未知のプロバイダ種別が指定されたことを表す。
var ErrUnknownProvider = errors.New("未知のメールプロバイダ")

// Provider は1通のHTMLメールを送信する。
// 送信に失敗した場合はエラーを返す。リトライは呼び出し側が行う。
type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// ProviderKind はメールプロバイダの種類。
type ProviderKind int

const (
	// ProviderDummy は送信せずにログへ記録するだけのプロバイダ。
	ProviderDummy ProviderKind = iota
	// ProviderSMTP はSMTPサーバー経由で送信するプロバイダ。
	ProviderSMTP
	// ProviderHTTPAPI はHTTPのメール送信API（SendGrid v3形式）を使うプロバイダ。
	ProviderHTTPAPI
)

// String は設定値として使う名前を返す。
func (k ProviderKind) String() string {
	switch k {
	case ProviderDummy:
		return "dummy"
	case ProviderSMTP:
		return "smtp"
	case ProviderHTTPAPI:
		return "httpapi"
	default:
		return fmt.Sprintf("ProviderKind(%d)", int(k))
	}
}

// ParseProviderKind は設定値の文字列をプロバイダ種別に変換する。
// "sendgrid" は "httpapi" の別名として扱う。
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dummy":
		return ProviderDummy, nil
	case "smtp":
		return ProviderSMTP, nil
	case "httpapi", "sendgrid":
		return ProviderHTTPAPI, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// Sender は差出人。
type Sender struct {
	// Email は差出人のメールアドレス。
	Email string `yaml:"email"`
	// Name は差出人の表示名。
	Name string `yaml:"name"`
}

// SMTPConfig はSMTPプロバイダの設定。
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout は接続から送信完了までの上限。0の場合はDefaultSMTPTimeoutを使う。
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPAPIConfig はHTTPAPIプロバイダの設定。
type HTTPAPIConfig struct {
	// BaseURL はAPIのベースURL。空の場合はSendGridを使う。
	BaseURL string `yaml:"base_url"`
	// APIKey はBearer認証に使うAPIキー。
	APIKey string `yaml:"api_key"`
	// Timeout は1リクエストのタイムアウト。
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig はプロバイダ生成に必要な設定をまとめたもの。
type ProviderConfig struct {
	Kind    ProviderKind
	From    Sender
	SMTP    SMTPConfig
	HTTPAPI HTTPAPIConfig
}

// NewProvider は設定された種別のプロバイダを生成する。
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case ProviderDummy:
		return NewDummy(logger), nil
	case ProviderSMTP:
		if cfg.SMTP.Host == "" {
			return nil, errors.New("SMTPホストが設定されていません")
		}
		return NewSMTP(cfg.SMTP, cfg.From), nil
	case ProviderHTTPAPI:
		if cfg.HTTPAPI.APIKey == "" {
			return nil, errors.New("メール送信APIのキーが設定されていません")
		}
		return NewHTTPAPI(cfg.HTTPAPI, cfg.From), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Kind)
	}
}
