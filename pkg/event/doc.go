// Package event はキューを流れるイベント通知メッセージの型とJSONコーデックを提供する。
//
// 送信元サービスが発行するイベントライフサイクル通知（作成・更新・中止）と、
// リマインダースケジューラが発行するリマインダー通知の両方を扱う。
// デコード時の検証に失敗したメッセージは ErrMalformed を返し、再試行しても
// 成功しないものとして扱われる。
package event
