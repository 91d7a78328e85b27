// Package delivery はメール配信プロバイダと、リトライ付きの並行配信を提供する。
//
// プロバイダは Dummy / SMTP / HTTPAPI の3種類で、起動時に ProviderKind から1つを選ぶ。
// Gateway は1通ごとに上限付きでリトライし、バッチ内の宛先へは並行して送信する。
package delivery
