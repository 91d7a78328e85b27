package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/eventnotify/internal/metrics"
	"github.com/nao1215/eventnotify/pkg/event"
	"github.com/nao1215/eventnotify/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "api-test-secret"

// fakePublisher は発行されたメッセージを記録する。
type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

// memoryCounter はテスト用のレート制限カウンタ。
type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memoryCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

// setupTestServer はテスト用のサーバーを構築する。
func setupTestServer(t *testing.T, pub Publisher, opts ...Option) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(Config{Addr: "127.0.0.1:0", JWTSecret: testSecret, AllowedOrigins: []string{"*"}}, pub, logger, opts...)
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(b)
	default:
		jsonBytes, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("リクエストボディのシリアライズに失敗: %v", err)
		}
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	token, err := middleware.GenerateJWT(testSecret, "event-service", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// createdRequest はイベント詳細付きの作成通知リクエスト。
func createdRequest() map[string]any {
	return map[string]any{
		"type": "event_created",
		"event": map[string]any{
			"event_id":        "E1",
			"event_name":      "Go勉強会",
			"start_time":      "2025-03-01T10:00:00Z",
			"end_time":        "2025-03-01T12:00:00Z",
			"organizer_id":    "org-1",
			"location":        "東京",
			"remaining_seats": 5,
		},
	}
}

// TestHandleSend は通知投入エンドポイントを検証する。
func TestHandleSend(t *testing.T) {
	t.Parallel()

	t.Run("正常な通知は202でキューに発行されること", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		s := setupTestServer(t, pub)

		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications/send", createdRequest())
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, want 202: %s", w.Code, w.Body.String())
		}

		var resp sendResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if !resp.Success || resp.EventID != "E1" {
			t.Errorf("レスポンスが不正: %+v", resp)
		}

		if len(pub.bodies) != 1 {
			t.Fatalf("発行件数 = %d, want 1", len(pub.bodies))
		}
		d, err := event.Decode(pub.bodies[0])
		if err != nil {
			t.Fatalf("発行されたメッセージをデコードできない: %v", err)
		}
		if d.Message.Kind != event.KindCreated || d.Message.Event.Location != "東京" {
			t.Errorf("発行内容が不正: %+v", d.Message)
		}
	})

	t.Run("notification_typeで指定したリマインダーを受け付けること", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		s := setupTestServer(t, pub)

		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications/send", map[string]any{
			"notification_type": "event_reminder",
			"event_id":          "E9",
			"reminder_type":     "one_hour",
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, want 202: %s", w.Code, w.Body.String())
		}
		d, err := event.Decode(pub.bodies[0])
		if err != nil {
			t.Fatalf("発行されたメッセージをデコードできない: %v", err)
		}
		if !d.NeedsEnrichment() || d.EventID != "E9" || d.ReminderKind != event.ReminderOneHour {
			t.Errorf("発行内容が不正: %+v", d)
		}
	})

	badRequests := []struct {
		name string
		body any
	}{
		{name: "不正なJSON", body: `{invalid`},
		{name: "未知の種別", body: map[string]any{"type": "bogus"}},
		{name: "必須項目の欠けたイベント", body: map[string]any{"type": "event_updated", "event": map[string]any{"event_id": "E1"}}},
		{name: "reminder_typeのないリマインダー", body: map[string]any{"type": "event_reminder", "event_id": "E1"}},
	}
	for _, tt := range badRequests {
		t.Run(tt.name+"の場合は400が返り発行されないこと", func(t *testing.T) {
			t.Parallel()

			pub := &fakePublisher{}
			s := setupTestServer(t, pub)

			w := doRequest(t, s, http.MethodPost, "/api/v1/notifications/send", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード = %d, want 400", w.Code)
			}
			if len(pub.bodies) != 0 {
				t.Errorf("不正なリクエストが発行された: %d件", len(pub.bodies))
			}
		})
	}

	t.Run("発行に失敗した場合は503が返ること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{err: errors.New("broker down")})
		w := doRequest(t, s, http.MethodPost, "/api/v1/notifications/send", createdRequest())
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want 503", w.Code)
		}
	})

	t.Run("トークンがない場合は401が返ること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/send", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want 401", w.Code)
		}
	})

	t.Run("上限を超えたリクエストは429が返ること", func(t *testing.T) {
		t.Parallel()

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		s := NewServer(Config{JWTSecret: testSecret, RateLimit: 1}, &fakePublisher{}, logger,
			WithRateLimitCounter(&memoryCounter{counts: map[string]int64{}}))

		if w := doRequest(t, s, http.MethodPost, "/api/v1/notifications/send", createdRequest()); w.Code != http.StatusAccepted {
			t.Fatalf("1回目のステータスコード = %d, want 202", w.Code)
		}
		if w := doRequest(t, s, http.MethodPost, "/api/v1/notifications/send", createdRequest()); w.Code != http.StatusTooManyRequests {
			t.Errorf("2回目のステータスコード = %d, want 429", w.Code)
		}
	})
}

// TestHealthAndMetrics はヘルスチェックとメトリクスのエンドポイントを検証する。
func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := setupTestServer(t, &fakePublisher{}, WithMetrics(m, reg))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Fatalf("/health = %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `eventnotify_api_trigger_requests_total{code="200"} 1`) {
		t.Errorf("/healthのリクエストが記録されていない:\n%s", w.Body.String())
	}
}

// TestStartShutdown はサーバーの起動と停止を検証する。
func TestStartShutdown(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t, &fakePublisher{})
	errs := s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown()でエラーが発生: %v", err)
	}
	if err, ok := <-errs; ok && err != nil {
		t.Errorf("起動エラーが発生: %v", err)
	}
}
