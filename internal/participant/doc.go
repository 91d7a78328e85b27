// Package participant はイベント参加者の取得を提供する。
//
// 参加者は予約サービスのREST APIからページ単位で取得する。
package participant
