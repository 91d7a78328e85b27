package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Counter は固定ウィンドウ内のリクエスト数を数える。
type Counter interface {
	// Incr はkeyのカウントを1増やし、増加後の値を返す。
	// ウィンドウの最初の呼び出しでkeyにwindowの有効期限を設定する。
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter はRedisのINCRとEXPIREで実装したCounter。
// 複数インスタンスでカウントを共有できる。
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter はRedisCounterを生成する。prefixはキーの接頭辞。
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "eventnotify:ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// Incr はRedis上のカウンタを1増やす。
func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.prefix + ":" + key
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("レート制限カウンタの更新に失敗: %w", err)
	}
	return incr.Val(), nil
}

// RateLimit は呼び出し元ごとに固定ウィンドウでリクエスト数を制限するGinミドルウェアを返す。
// 呼び出し元はJWTAuthが設定したサービス名、未認証の場合はクライアントIPで識別する。
// カウンタの更新に失敗した場合はリクエストを通す。
func RateLimit(counter Counter, limit int, window time.Duration, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if window < time.Second {
		window = time.Minute
	}
	return func(c *gin.Context) {
		if counter == nil || limit <= 0 {
			c.Next()
			return
		}

		caller := GetSubject(c)
		if caller == "" {
			caller = c.ClientIP()
		}
		bucket := time.Now().Unix() / int64(window.Seconds())
		key := caller + ":" + strconv.FormatInt(bucket, 10)

		n, err := counter.Incr(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("レート制限を確認できないためリクエストを通します", "caller", caller, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		remaining := max(int64(limit)-n, 0)
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if n > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエスト数が上限を超えました",
			})
			return
		}
		c.Next()
	}
}
