// Package api は通知を手動で投入するためのHTTPサーバーを提供する。
//
// 受け付けた通知はその場で処理せず通知キューに発行し、202を返す。
package api
