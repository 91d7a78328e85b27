// Package mailtemplate は通知種別ごとのメール件名とHTML本文を生成する。
//
// テンプレートはバイナリに埋め込まれ、パッケージ初期化時に一度だけパースされる。
// 本文はhtml/templateで生成するため、イベント名や説明に含まれるHTMLはエスケープされる。
package mailtemplate
