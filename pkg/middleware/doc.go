// Package middleware は通知トリガーAPIで使用するGinミドルウェアを提供する。
//
// JWT認証、リクエストID付与、パニックリカバリ、CORS、Redisによるレート制限を含む。
package middleware
