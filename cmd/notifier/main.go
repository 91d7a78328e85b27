// イベント通知サービスのエントリポイント。
// 通知キューを購読して参加者にメールを配信し、リマインダーを定期的に発行する。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nao1215/eventnotify/internal/app"
	"github.com/nao1215/eventnotify/internal/config"
	"github.com/nao1215/eventnotify/internal/queue"
	"github.com/nao1215/eventnotify/internal/reminder"
	"github.com/nao1215/eventnotify/internal/scheduler"
	"github.com/nao1215/eventnotify/pkg/event"
	"github.com/nao1215/eventnotify/pkg/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.Error("通知サービスの実行に失敗しました", "error", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "notifier",
		Usage: "イベントの作成・更新・中止とリマインダーを参加者にメールで通知する",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML設定ファイルのパス",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			scanRemindersCommand(),
			publishReminderCommand(),
			addReminderCommand(),
			migrateCommand(),
			issueTokenCommand(),
		},
	}
}

// setup は設定を読み込み、設定されたレベルのJSONロガーを返す。
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "通知キューの購読、リマインダーの定期走査、トリガーAPIを起動する",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			return a.Run(c.Context)
		},
	}
}

func scanRemindersCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan-reminders",
		Usage: "期限を迎えたリマインダーを1回だけ走査して発行する",
		Action: func(c *cli.Context) (err error) {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			store, err := app.OpenReminderStore(c.Context, cfg.Reminders, logger)
			if err != nil {
				return err
			}
			publisher := queue.NewPublisher(cfg.Queue.AMQPURL(), cfg.Queue.Name, logger)
			defer func() {
				err = errors.Join(err, publisher.Close(), store.Close())
			}()

			result, err := scheduler.New(store, publisher, logger).RunOnce(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "one_day=%d one_hour=%d failed=%d\n", result.OneDay, result.OneHour, result.Failed)
			return nil
		},
	}
}

func publishReminderCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish-reminder",
		Usage: "指定したイベントのリマインダーを通知キューに手動で発行する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "event-id", Usage: "対象イベントのID", Required: true},
			&cli.StringFlag{Name: "type", Value: string(event.ReminderOneDay), Usage: "one_day または one_hour"},
		},
		Action: func(c *cli.Context) (err error) {
			kind := event.ReminderKind(c.String("type"))
			if kind != event.ReminderOneDay && kind != event.ReminderOneHour {
				return fmt.Errorf("--typeはone_dayかone_hourを指定してください: %q", kind)
			}
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			body, err := event.NewReminderPayload(c.String("event-id"), kind)
			if err != nil {
				return err
			}

			publisher := queue.NewPublisher(cfg.Queue.AMQPURL(), cfg.Queue.Name, logger)
			defer func() {
				err = errors.Join(err, publisher.Close())
			}()
			if err := publisher.Publish(c.Context, body); err != nil {
				return err
			}
			logger.Info("リマインダーを発行しました", "event_id", c.String("event-id"), "reminder_type", kind)
			return nil
		},
	}
}

func addReminderCommand() *cli.Command {
	return &cli.Command{
		Name:  "add-reminder",
		Usage: "イベント開始時刻から1日前と1時間前のリマインダーを登録する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "event-id", Usage: "対象イベントのID", Required: true},
			&cli.TimestampFlag{Name: "start", Usage: "イベント開始時刻（RFC3339）", Layout: time.RFC3339, Required: true},
		},
		Action: func(c *cli.Context) (err error) {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			store, err := app.OpenReminderStore(c.Context, cfg.Reminders, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, store.Close())
			}()

			r := reminder.ForEvent(c.String("event-id"), *c.Timestamp("start"))
			id, err := store.Add(c.Context, r)
			if err != nil {
				return err
			}
			logger.Info("リマインダーを登録しました", "reminder_id", id, "event_id", r.EventID,
				"one_day_at", r.OneDayAt, "one_hour_at", r.OneHourAt)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "リマインダーDBのテーブルを作成し、適用状態を表示する",
		Action: func(c *cli.Context) (err error) {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			store, err := app.OpenReminderStore(c.Context, cfg.Reminders, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, store.Close())
			}()

			sqlStore, ok := store.(*reminder.SQLStore)
			if !ok {
				fmt.Fprintln(c.App.Writer, "event_reminders: migrated")
				return nil
			}
			files, err := sqlStore.MigrationStatus(c.Context)
			if err != nil {
				return err
			}
			for _, f := range files {
				state := "pending"
				if f.Applied {
					state = "applied"
				}
				fmt.Fprintf(c.App.Writer, "%06d %s %s\n", f.Version, f.Name, state)
			}
			return nil
		},
	}
}

func issueTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "issue-token",
		Usage: "トリガーAPIを呼び出すサービス用のJWTを発行する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "service", Usage: "呼び出し元のサービス名", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "トークンの有効期間"},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := setup(c)
			if err != nil {
				return err
			}
			token, err := middleware.GenerateJWT(cfg.API.JWTSecret, c.String("service"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
