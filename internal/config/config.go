// Package config は通知サービスの設定を読み込む。
//
// 設定はデフォルト値、YAMLファイル、環境変数の順に上書きされる。
// カレントディレクトリに .env があれば環境変数として先に読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/eventnotify/internal/delivery"
)

// Queue はメッセージブローカーの設定。
type Queue struct {
	// URL はAMQPの接続URL。設定されている場合は個別の接続項目より優先する。
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	// Name は通知キューの名前。
	Name string `yaml:"name"`
}

// AMQPURL は接続URLを返す。
func (q Queue) AMQPURL() string {
	if q.URL != "" {
		return q.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(q.Username, q.Password),
		Host:   net.JoinHostPort(q.Host, strconv.Itoa(q.Port)),
		Path:   "/" + strings.TrimPrefix(q.VHost, "/"),
	}
	// vhost "/" は %2F として送る必要がある
	if q.VHost == "/" || q.VHost == "" {
		u.RawPath = "/%2F"
		u.Path = "//"
	}
	return u.String()
}

// Email はメール送信の設定。
type Email struct {
	// Provider はプロバイダ名（dummy, smtp, httpapi, sendgrid）。
	Provider string `yaml:"provider"`
	// DummyMode が有効な場合はProviderに関わらず送信せずにログへ記録する。
	DummyMode bool                   `yaml:"dummy_mode"`
	From      delivery.Sender        `yaml:"from"`
	SMTP      delivery.SMTPConfig    `yaml:"smtp"`
	HTTPAPI   delivery.HTTPAPIConfig `yaml:"httpapi"`
}

// ProviderConfig はプロバイダ生成用の設定を返す。
func (e Email) ProviderConfig() (delivery.ProviderConfig, error) {
	kind := delivery.ProviderDummy
	if !e.DummyMode {
		k, err := delivery.ParseProviderKind(e.Provider)
		if err != nil {
			return delivery.ProviderConfig{}, err
		}
		kind = k
	}
	return delivery.ProviderConfig{Kind: kind, From: e.From, SMTP: e.SMTP, HTTPAPI: e.HTTPAPI}, nil
}

// Booking は予約サービスの設定。
type Booking struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Processing は通知処理の設定。
type Processing struct {
	// BatchSize は参加者を1ページで取得する件数。
	BatchSize int `yaml:"batch_size"`
	// MaxRetries は1通あたりの再試行回数。
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay は再試行までの待機時間。
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Scheduler はリマインダー走査の設定。
type Scheduler struct {
	Enabled bool `yaml:"enabled"`
	// Schedule は走査間隔のcron式。
	Schedule string `yaml:"schedule"`
}

// Reminders はリマインダーを保存するデータベースの設定。
type Reminders struct {
	// DatabaseURL は postgres:// または sqlite:// で始まる接続先。
	// スキームがない場合はSQLiteのファイルパスとして扱う。
	DatabaseURL string `yaml:"database_url"`
}

// Driver はデータベースの種類とドライバに渡すDSNを返す。
func (r Reminders) Driver() (driver, dsn string) {
	switch {
	case strings.HasPrefix(r.DatabaseURL, "postgres://"), strings.HasPrefix(r.DatabaseURL, "postgresql://"):
		return "postgres", r.DatabaseURL
	case strings.HasPrefix(r.DatabaseURL, "sqlite:///"):
		return "sqlite", strings.TrimPrefix(r.DatabaseURL, "sqlite:///")
	case strings.HasPrefix(r.DatabaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(r.DatabaseURL, "sqlite://")
	default:
		return "sqlite", r.DatabaseURL
	}
}

// API はトリガーAPIの設定。
type API struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
	// AllowedOrigins はCORSで許可するオリジン。"*" は全て許可する。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit は1分あたりのリクエスト上限。0以下の場合は制限しない。
	RateLimit int `yaml:"rate_limit"`
}

// Addr はリッスンアドレスを返す。
func (a API) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Redis はレート制限に使うRedisの設定。
type Redis struct {
	// URL は redis:// 形式の接続先。空の場合はレート制限を行わない。
	URL string `yaml:"url"`
}

// Config は通知サービス全体の設定。
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Queue      Queue      `yaml:"queue"`
	Email      Email      `yaml:"email"`
	Booking    Booking    `yaml:"booking"`
	Processing Processing `yaml:"processing"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Reminders  Reminders  `yaml:"reminders"`
	API        API        `yaml:"api"`
	Redis      Redis      `yaml:"redis"`
}

// SlogLevel はLogLevelをslogのレベルに変換する。解釈できない場合はINFOを返す。
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Default はデフォルト値の設定を返す。
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Queue: Queue{
			Host:     "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
			VHost:    "/",
			Name:     "event_notifications",
		},
		Email: Email{
			Provider:  "smtp",
			DummyMode: true,
			From:      delivery.Sender{Email: "notifications@example.com", Name: "Notification Service"},
			SMTP:      delivery.SMTPConfig{Host: "localhost", Port: 587, Timeout: delivery.DefaultSMTPTimeout},
			HTTPAPI:   delivery.HTTPAPIConfig{Timeout: 30 * time.Second},
		},
		Booking: Booking{URL: "http://localhost:8000", Timeout: 30 * time.Second},
		Processing: Processing{
			BatchSize:  100,
			MaxRetries: 3,
			RetryDelay: 5 * time.Second,
		},
		Scheduler: Scheduler{Enabled: true, Schedule: "* * * * *"},
		Reminders: Reminders{DatabaseURL: "sqlite:///notification_service.db"},
		API: API{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8001,
			JWTSecret:      "dev-secret-key",
			AllowedOrigins: []string{"*"},
			RateLimit:      60,
		},
	}
}

// Load は設定を読み込む。pathが空の場合はYAMLファイルを読まない。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
		}
	}

	e := envReader{lookup: lookup}
	e.str("LOG_LEVEL", &cfg.LogLevel)

	e.str("AMQP_URL", &cfg.Queue.URL)
	e.str("LAVINMQ_HOST", &cfg.Queue.Host)
	e.integer("LAVINMQ_PORT", &cfg.Queue.Port)
	e.str("LAVINMQ_USERNAME", &cfg.Queue.Username)
	e.str("LAVINMQ_PASSWORD", &cfg.Queue.Password)
	e.str("LAVINMQ_VHOST", &cfg.Queue.VHost)
	e.str("LAVINMQ_QUEUE", &cfg.Queue.Name)

	e.str("EMAIL_PROVIDER", &cfg.Email.Provider)
	e.boolean("EMAIL_DUMMY_MODE", &cfg.Email.DummyMode)
	e.str("FROM_EMAIL", &cfg.Email.From.Email)
	e.str("FROM_NAME", &cfg.Email.From.Name)
	e.str("SMTP_HOST", &cfg.Email.SMTP.Host)
	e.integer("SMTP_PORT", &cfg.Email.SMTP.Port)
	e.str("SMTP_USERNAME", &cfg.Email.SMTP.Username)
	e.str("SMTP_PASSWORD", &cfg.Email.SMTP.Password)
	e.seconds("SMTP_TIMEOUT", &cfg.Email.SMTP.Timeout)
	e.str("SENDGRID_API_KEY", &cfg.Email.HTTPAPI.APIKey)
	e.str("EMAIL_API_URL", &cfg.Email.HTTPAPI.BaseURL)

	e.str("BOOKING_SERVICE_URL", &cfg.Booking.URL)
	e.seconds("BOOKING_SERVICE_TIMEOUT", &cfg.Booking.Timeout)

	e.integer("BATCH_SIZE", &cfg.Processing.BatchSize)
	e.integer("MAX_RETRIES", &cfg.Processing.MaxRetries)
	e.seconds("RETRY_DELAY", &cfg.Processing.RetryDelay)

	e.boolean("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	e.str("SCHEDULER_INTERVAL", &cfg.Scheduler.Schedule)

	// リマインダー用のURLがなければ共通のDATABASE_URLを使う
	e.str("DATABASE_URL", &cfg.Reminders.DatabaseURL)
	e.str("NOTIFICATION_DATABASE_URL", &cfg.Reminders.DatabaseURL)

	e.boolean("API_ENABLED", &cfg.API.Enabled)
	e.str("API_HOST", &cfg.API.Host)
	e.integer("API_PORT", &cfg.API.Port)
	e.str("JWT_SECRET", &cfg.API.JWTSecret)
	e.list("CORS_ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)
	e.integer("RATE_LIMIT_PER_MINUTE", &cfg.API.RateLimit)

	e.str("REDIS_URL", &cfg.Redis.URL)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("キュー名が空です"))
	}
	if c.Processing.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_SIZEは1以上を指定してください: %d", c.Processing.BatchSize))
	}
	if c.Processing.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIESは0以上を指定してください: %d", c.Processing.MaxRetries))
	}
	if _, err := c.Email.ProviderConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("API_PORTが範囲外です: %d", c.API.Port))
	}
	return errors.Join(errs...)
}

// envReader は環境変数で設定値を上書きする。変換エラーはerrsに溜める。
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%sが整数ではありません: %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%sが真偽値ではありません: %q", key, v))
		return
	}
	*dst = b
}

// seconds は秒数の整数、または "90s" のような期間表記を受け付ける。
func (e *envReader) seconds(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%sが期間として解釈できません: %q", key, v))
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
