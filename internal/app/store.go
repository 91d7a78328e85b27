package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nao1215/eventnotify/internal/config"
	"github.com/nao1215/eventnotify/internal/reminder"
)

// OpenReminderStore は設定に応じたリマインダーストアを開き、テーブルを作成する。
func OpenReminderStore(ctx context.Context, cfg config.Reminders, logger *slog.Logger) (reminder.Store, error) {
	driver, dsn := cfg.Driver()
	switch driver {
	case "postgres":
		store, err := reminder.OpenPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, errors.Join(err, store.Close())
		}
		return store, nil
	default:
		store, err := reminder.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		n, err := store.Migrate(ctx, logger)
		if err != nil {
			return nil, errors.Join(err, store.Close())
		}
		if n > 0 {
			logger.Info("リマインダーDBのマイグレーションを適用しました", "applied", n)
		}
		return store, nil
	}
}
