// Package scheduler は期限を迎えたリマインダーを定期的に走査し、通知キューに発行する。
//
// 1回の実行では1日前、1時間前の順に走査する。発行に成功した行だけ送信済みにするため、
// 同じしきい値のリマインダーが2回発行されることはない。
package scheduler
