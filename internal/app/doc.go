// Package app は通知サービスの各コンポーネントを組み立て、起動と停止の順序を管理する。
//
// 起動はリマインダーストア、パブリッシャー、コンシューマ、スケジューラ、トリガーAPIの順に行い、
// 停止はその逆順に行う。
package app
