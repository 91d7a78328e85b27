// Package httpclient は外部サービスとのJSON形式のHTTP通信を行うクライアントを提供する。
//
// 予約サービスからの参加者取得や、HTTP API型のメール配信プロバイダへの送信など、
// サービス間の通信パターンを統一する。2xx以外のレスポンスは *StatusError として返す。
package httpclient
