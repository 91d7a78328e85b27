package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nao1215/eventnotify/internal/metrics"
	"github.com/nao1215/eventnotify/internal/reminder"
	"github.com/nao1215/eventnotify/pkg/event"
)

// DefaultSchedule は走査間隔のデフォルト（毎分）。
const DefaultSchedule = "* * * * *"

// Publisher はリマインダーメッセージを通知キューに発行する。
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// RunResult は1回の走査結果。
type RunResult struct {
	// OneDay は発行した1日前リマインダーの件数。
	OneDay int
	// OneHour は発行した1時間前リマインダーの件数。
	OneHour int
	// Failed は発行できなかった件数。
	Failed int
}

// Option はSchedulerの設定を変更する関数。
type Option func(*Scheduler)

// WithSchedule は走査間隔をcron式で指定する。
// 解釈できない式の場合はエラーを記録して DefaultSchedule を使う。
func WithSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics は走査結果を記録するメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler はリマインダーの定期走査を行う。
type Scheduler struct {
	store     reminder.Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	spec      string

	mu   sync.Mutex
	cron *cron.Cron
}

// New はSchedulerを生成する。
func New(store reminder.Store, publisher Publisher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		spec:      DefaultSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// schedule は走査間隔を解釈する。
func (s *Scheduler) schedule() cron.Schedule {
	sched, err := cron.ParseStandard(s.spec)
	if err == nil {
		return sched
	}
	s.logger.Error("cron式を解釈できないためデフォルトの間隔を使います",
		"schedule", s.spec, "default", DefaultSchedule, "error", err)
	s.spec = DefaultSchedule
	sched, _ = cron.ParseStandard(DefaultSchedule)
	return sched
}

// Start は定期走査を開始する。前回の走査が終わっていない場合、その回は実行しない。
// ctxの値は走査に引き継がれるが、キャンセルは走査を中断しない。停止にはStopを使う。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("スケジューラは既に開始しています")
	}

	runCtx := context.WithoutCancel(ctx)
	l := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)))
	c.Schedule(s.schedule(), cron.FuncJob(func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Error("リマインダーの走査に失敗しました", "error", err)
		}
	}))
	c.Start()
	s.cron = c

	s.logger.Info("リマインダースケジューラを開始しました", "schedule", s.spec)
	return nil
}

// Stop は定期走査を止め、実行中の走査の完了を待つ。
// ctxが先にキャンセルされた場合は待機を打ち切ってctxのエラーを返す。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info("リマインダースケジューラを停止しました")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("実行中の走査の完了待ちを打ち切りました: %w", ctx.Err())
	}
}

// RunOnce は1日前、1時間前の順に期限を迎えたリマインダーを走査して発行する。
// 行ごとの失敗は記録して次の行に進む。接続を取得できない場合のみエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (RunResult, error) {
	started := time.Now()
	var result RunResult

	conn, err := s.store.Acquire(ctx)
	if err != nil {
		s.metrics.SchedulerRun(false, time.Since(started).Seconds())
		return result, fmt.Errorf("リマインダーストアの接続取得に失敗: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Warn("リマインダーストアの接続の返却に失敗しました", "error", err)
		}
	}()

	now := s.now().UTC()
	var scanErr bool
	for _, kind := range []event.ReminderKind{event.ReminderOneDay, event.ReminderOneHour} {
		published, failed, err := s.scan(ctx, conn, kind, now)
		if err != nil {
			scanErr = true
			s.logger.Error("期限を迎えたリマインダーの取得に失敗しました", "reminder_type", kind, "error", err)
		}
		switch kind {
		case event.ReminderOneDay:
			result.OneDay = published
		case event.ReminderOneHour:
			result.OneHour = published
		}
		result.Failed += failed
	}

	s.metrics.SchedulerRun(!scanErr && result.Failed == 0, time.Since(started).Seconds())
	if result.OneDay+result.OneHour+result.Failed > 0 {
		s.logger.Info("リマインダーの走査が完了しました",
			"one_day", result.OneDay, "one_hour", result.OneHour, "failed", result.Failed)
	}
	return result, nil
}

// scan は1種類のしきい値について期限を迎えた行を発行し、送信済みにする。
func (s *Scheduler) scan(ctx context.Context, conn reminder.Conn, kind event.ReminderKind, now time.Time) (published, failed int, err error) {
	due, err := conn.Pending(ctx, kind, now)
	if err != nil {
		return 0, 0, err
	}

	for _, r := range due {
		body, err := event.NewReminderPayload(r.EventID, kind)
		if err != nil {
			failed++
			s.logger.Error("リマインダーメッセージを生成できません",
				"reminder_id", r.ID, "event_id", r.EventID, "reminder_type", kind, "error", err)
			continue
		}
		if err := s.publisher.Publish(ctx, body); err != nil {
			failed++
			s.logger.Error("リマインダーの発行に失敗しました。次回の走査で再試行します",
				"reminder_id", r.ID, "event_id", r.EventID, "reminder_type", kind, "error", err)
			continue
		}

		published++
		s.metrics.ReminderPublished(string(kind))

		if err := conn.MarkSent(ctx, r.ID, kind); err != nil {
			if errors.Is(err, reminder.ErrAlreadySent) {
				s.logger.Warn("発行したリマインダーは既に送信済みになっていました",
					"reminder_id", r.ID, "event_id", r.EventID, "reminder_type", kind)
				continue
			}
			s.logger.Error("発行済みリマインダーを送信済みにできませんでした。次回の走査で重複して発行される恐れがあります",
				"reminder_id", r.ID, "event_id", r.EventID, "reminder_type", kind, "error", err)
			continue
		}
		s.logger.Debug("リマインダーを発行しました",
			"reminder_id", r.ID, "event_id", r.EventID, "reminder_type", kind)
	}
	return published, failed, nil
}

// cronLogger はcronのログをslogに流す。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
