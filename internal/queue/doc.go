// Package queue はAMQP（RabbitMQ / LavinMQ）との接続を扱う。
//
// Consumer は通知キューからメッセージを1件ずつ受け取り、処理結果に応じて確認応答する。
// Publisher はパブリッシャー確認付きでメッセージを永続配送モードで発行する。
package queue
