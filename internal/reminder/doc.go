// Package reminder はイベントのリマインダー予定を保存するストアを提供する。
//
// 1件のリマインダーは1日前と1時間前の2つのしきい値を持ち、それぞれ送信済みフラグで管理する。
// 送信済みフラグは未送信の場合にのみ立てる。既に立っていた場合は ErrAlreadySent を返すため、
// 同じしきい値について2回リマインダーを発行することはない。
//
// SQLStore はdatabase/sqlとSQLite、GormStore はgormとPostgreSQLを使う。
package reminder
