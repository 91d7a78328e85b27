package delivery

import (
	"context"
	"log/slog"
)

// Dummy は実際には送信せず、宛先と件名をログに記録するプロバイダ。
// 開発環境とテストで使用する。
type Dummy struct {
	logger *slog.Logger
}

// NewDummy はDummyプロバイダを生成する。
func NewDummy(logger *slog.Logger) *Dummy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dummy{logger: logger}
}

// Send はメールを送信したものとして記録する。常に成功する。
func (d *Dummy) Send(ctx context.Context, to, subject, _ string) error {
	d.logger.InfoContext(ctx, "ダミーモードのため送信せずに記録しました", "recipient", to, "subject", subject)
	return nil
}
