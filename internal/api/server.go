package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/eventnotify/internal/metrics"
	"github.com/nao1215/eventnotify/pkg/event"
	"github.com/nao1215/eventnotify/pkg/middleware"
)

// Publisher は通知メッセージを通知キューに発行する。
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Config はHTTPサーバーの設定。
type Config struct {
	// Addr はリッスンアドレス（例: "0.0.0.0:8001"）。
	Addr string
	// JWTSecret は /api/v1 配下の認証に使う署名鍵。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// RateLimit は呼び出し元ごとの1分あたりのリクエスト上限。0以下の場合は制限しない。
	RateLimit int
}

// Option はServerの設定を変更する関数。
type Option func(*Server)

// WithRateLimitCounter はレート制限のカウンタを設定する。未設定の場合はレート制限を行わない。
func WithRateLimitCounter(counter middleware.Counter) Option {
	return func(s *Server) {
		s.counter = counter
	}
}

// WithMetrics はリクエスト数の記録先と /metrics で公開するレジストリを設定する。
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// Server はトリガーAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はrouterを公開するHTTPサーバー。
	httpServer *http.Server
	cfg        Config
	publisher  Publisher
	logger     *slog.Logger
	counter    middleware.Counter
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
}

// NewServer は新しいトリガーAPIサーバーを生成する。
func NewServer(cfg Config, publisher Publisher, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(s.countRequests())
	s.router = router
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler はルーティング済みのハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	api.Use(middleware.RateLimit(s.counter, s.cfg.RateLimit, time.Minute, s.logger))
	{
		notifications := api.Group("/notifications")
		{
			// 通知の手動投入
			notifications.POST("/send", s.handleSend())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "notification-service"})
	})

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Start はHTTPサーバーを別のgoroutineで起動する。
// リッスンに失敗した場合や予期せず停止した場合はerrsにエラーを送る。
func (s *Server) Start() <-chan error {
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("トリガーAPIを起動します", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("トリガーAPIの起動に失敗: %w", err)
		}
		close(errs)
	}()
	return errs
}

// Shutdown は新しい接続の受け付けを止め、処理中のリクエストの完了を待つ。
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("トリガーAPIの停止に失敗: %w", err)
	}
	s.logger.Info("トリガーAPIを停止しました")
	return nil
}

// countRequests はレスポンスのステータスコードごとにリクエスト数を記録する。
func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.metrics.APIRequest(strconv.Itoa(c.Writer.Status()))
	}
}

// sendRequest は通知投入リクエストのJSON構造。
// イベント詳細付きの通知と、event_idとreminder_typeのみのリマインダーの両方を受け付ける。
type sendRequest struct {
	// Type は通知種別。
	Type string `json:"type"`
	// NotificationType はTypeの別名。
	NotificationType string `json:"notification_type"`
	// Event はイベントの詳細。
	Event *event.Event `json:"event"`
	// EventID はリマインダー対象のイベントID。
	EventID string `json:"event_id"`
	// ReminderType はリマインダーのしきい値種別。
	ReminderType string `json:"reminder_type"`
}

// payload はキューに発行するメッセージの形に変換する。
func (r sendRequest) payload() event.Payload {
	typ := r.Type
	if typ == "" {
		typ = r.NotificationType
	}
	return event.Payload{
		Type:         typ,
		Event:        r.Event,
		EventID:      r.EventID,
		ReminderType: r.ReminderType,
	}
}

// sendResponse は通知投入のレスポンス。
type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// handleSend は通知メッセージを検証して通知キューに発行するハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		body, err := json.Marshal(req.payload())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知メッセージのシリアライズに失敗しました"})
			s.logger.Error("通知メッセージのシリアライズに失敗しました", "error", err)
			return
		}
		// キューの受信側と同じ検証を通す
		decoded, err := event.Decode(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		eventID := decoded.EventID
		if !decoded.NeedsEnrichment() {
			eventID = decoded.Message.Event.ID
		}

		if err := s.publisher.Publish(c.Request.Context(), body); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "通知キューへの発行に失敗しました"})
			s.logger.Error("通知キューへの発行に失敗しました",
				"event_id", eventID, "type", decoded.Kind, "request_id", middleware.GetRequestID(c), "error", err)
			return
		}

		s.logger.Info("通知を受け付けました",
			"event_id", eventID, "type", decoded.Kind, "caller", middleware.GetSubject(c), "request_id", middleware.GetRequestID(c))
		c.JSON(http.StatusAccepted, sendResponse{
			Success: true,
			Message: fmt.Sprintf("イベント %s の通知をキューに登録しました", eventID),
			EventID: eventID,
		})
	}
}
