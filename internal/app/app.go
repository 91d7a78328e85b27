package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/eventnotify/internal/api"
	"github.com/nao1215/eventnotify/internal/config"
	"github.com/nao1215/eventnotify/internal/delivery"
	"github.com/nao1215/eventnotify/internal/intake"
	"github.com/nao1215/eventnotify/internal/mailtemplate"
	"github.com/nao1215/eventnotify/internal/metrics"
	"github.com/nao1215/eventnotify/internal/participant"
	"github.com/nao1215/eventnotify/internal/pipeline"
	"github.com/nao1215/eventnotify/internal/queue"
	"github.com/nao1215/eventnotify/internal/reminder"
	"github.com/nao1215/eventnotify/internal/scheduler"
	"github.com/nao1215/eventnotify/pkg/middleware"
)

// DefaultShutdownTimeout はRunが停止処理に使う時間の上限。
const DefaultShutdownTimeout = 30 * time.Second

// ErrConsumerLost はStopを呼ぶ前に受信ループが終了したことを表す。
var ErrConsumerLost = errors.New("通知キューの受信が停止しました")

// App は通知サービスのプロセス全体。
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	handler  *intake.Handler

	store     reminder.Store
	publisher *queue.Publisher
	redis     *redis.Client
	consumer  *queue.Consumer
	scheduler *scheduler.Scheduler
	api       *api.Server
	apiErrs   <-chan error
}

// New は設定からAppを組み立てる。外部への接続はStartで行う。
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	pc, err := cfg.Email.ProviderConfig()
	if err != nil {
		return nil, fmt.Errorf("メールプロバイダの設定が不正です: %w", err)
	}
	provider, err := delivery.NewProvider(pc, logger)
	if err != nil {
		return nil, fmt.Errorf("メールプロバイダの生成に失敗: %w", err)
	}
	logger.Info("メールプロバイダを設定しました", "provider", pc.Kind.String())

	gateway := delivery.NewGateway(provider, logger,
		delivery.WithRetry(cfg.Processing.MaxRetries, cfg.Processing.RetryDelay),
		delivery.WithMetrics(m),
	)
	source := participant.NewBookingClient(cfg.Booking.URL, cfg.Booking.Timeout, logger)
	p := pipeline.New(mailtemplate.NewRenderer(), source, gateway, cfg.Processing.BatchSize, logger, m)

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		handler:  intake.NewHandler(p, source, logger, m),
	}, nil
}

// Start は各コンポーネントを起動する。途中で失敗した場合は起動済みのものを停止してエラーを返す。
func (a *App) Start(ctx context.Context) error {
	store, err := OpenReminderStore(ctx, a.cfg.Reminders, a.logger)
	if err != nil {
		return fmt.Errorf("リマインダーストアの準備に失敗: %w", err)
	}
	a.store = store
	a.publisher = queue.NewPublisher(a.cfg.Queue.AMQPURL(), a.cfg.Queue.Name, a.logger)

	if a.cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return errors.Join(fmt.Errorf("REDIS_URLの解析に失敗: %w", err), a.Stop(ctx))
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// レート制限はカウンタが使えない間リクエストを通す
			a.logger.Warn("Redisに接続できません。レート制限は接続が回復するまで無効です", "error", err)
		}
	}

	a.consumer = queue.NewConsumer(queue.ConsumerConfig{
		URL:   a.cfg.Queue.AMQPURL(),
		Queue: a.cfg.Queue.Name,
	}, a.handler, a.logger)
	if err := a.consumer.Start(ctx); err != nil {
		return errors.Join(err, a.Stop(ctx))
	}

	if a.cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(a.store, a.publisher, a.logger,
			scheduler.WithSchedule(a.cfg.Scheduler.Schedule),
			scheduler.WithMetrics(a.metrics),
		)
		if err := a.scheduler.Start(ctx); err != nil {
			return errors.Join(err, a.Stop(ctx))
		}
	}

	if a.cfg.API.Enabled {
		opts := []api.Option{api.WithMetrics(a.metrics, a.registry)}
		if a.redis != nil {
			opts = append(opts, api.WithRateLimitCounter(middleware.NewRedisCounter(a.redis, "")))
		}
		a.api = api.NewServer(api.Config{
			Addr:           a.cfg.API.Addr(),
			JWTSecret:      a.cfg.API.JWTSecret,
			AllowedOrigins: a.cfg.API.AllowedOrigins,
			RateLimit:      a.cfg.API.RateLimit,
		}, a.publisher, a.logger, opts...)
		a.apiErrs = a.api.Start()
	}

	a.logger.Info("通知サービスを起動しました", "queue", a.cfg.Queue.Name,
		"scheduler", a.cfg.Scheduler.Enabled, "api", a.cfg.API.Enabled)
	return nil
}

// Wait はctxがキャンセルされるか、コンポーネントが予期せず停止するまで待つ。
// ctxのキャンセルで戻った場合はnilを返す。
func (a *App) Wait(ctx context.Context) error {
	var consumerDone <-chan struct{}
	if a.consumer != nil {
		consumerDone = a.consumer.Done()
	}
	select {
	case <-ctx.Done():
		return nil
	case <-consumerDone:
		if a.consumer.Stopping() {
			return nil
		}
		return ErrConsumerLost
	case err, ok := <-a.apiErrs:
		if ok && err != nil {
			return err
		}
		return nil
	}
}

// Stop は起動と逆の順序でコンポーネントを停止する。起動していないコンポーネントは無視する。
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.api != nil {
		errs = append(errs, a.api.Shutdown(ctx))
		a.api = nil
	}
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop(ctx))
		a.scheduler = nil
	}
	if a.consumer != nil {
		errs = append(errs, a.consumer.Stop(ctx))
		a.consumer = nil
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
		a.publisher = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("通知サービスを停止しました")
	return nil
}

// Run はStartしてからctxのキャンセルかコンポーネントの停止を待ち、Stopする。
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	waitErr := a.Wait(ctx)
	if waitErr != nil {
		a.logger.Error("コンポーネントが停止したため通知サービスを終了します", "error", waitErr)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return errors.Join(waitErr, a.Stop(stopCtx))
}
