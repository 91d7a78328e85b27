package mailtemplate

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/nao1215/eventnotify/pkg/event"
)

//go:embed templates/*.html
var templateFS embed.FS

// ErrUnknownTemplateKind は通知種別に対応するテンプレートがないことを表す。
var ErrUnknownTemplateKind = errors.New("通知種別に対応するテンプレートがありません")

// Rendered は1人の参加者向けに生成したメール。
type Rendered struct {
	// Subject はメールの件名。
	Subject string
	// Body はHTML形式のメール本文。
	Body string
}

// theme は通知種別ごとの見出しと配色。
type theme struct {
	file    string
	heading string
	color   template.CSS
}

var themes = map[event.Kind]theme{
	event.KindCreated:   {file: "event_created.html", heading: "🎉 New Event Created", color: "#2196F3"},
	event.KindUpdated:   {file: "event_updated.html", heading: "📅 Event Updated", color: "#4CAF50"},
	event.KindCancelled: {file: "event_cancelled.html", heading: "❌ Event Cancelled", color: "#f44336"},
	event.KindReminder:  {file: "event_reminder.html", heading: "⏰ Event Reminder", color: "#FF9800"},
}

// bodies はパース済みの本文テンプレート。
var bodies = mustParse()

func mustParse() map[event.Kind]*template.Template {
	base := template.Must(template.ParseFS(templateFS, "templates/layout.html"))
	out := make(map[event.Kind]*template.Template, len(themes))
	for kind, th := range themes {
		t := template.Must(base.Clone())
		out[kind] = template.Must(t.ParseFS(templateFS, "templates/"+th.file))
	}
	return out
}

// view はテンプレートに渡す値。
type view struct {
	Name        string
	Heading     string
	Color       template.CSS
	Phrase      string
	Start       string
	End         string
	Description template.HTML
	Event       event.Event
}

// Renderer は通知メールを生成する。状態を持たず、並行して使用できる。
type Renderer struct{}

// NewRenderer はRendererを生成する。
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Supports は通知種別に対応するテンプレートがあるかどうかを返す。
func (r *Renderer) Supports(kind event.Kind) bool {
	_, ok := bodies[kind]
	return ok
}

// Render は通知種別とイベント、宛先の表示名からメールを生成する。
// 説明はエスケープせずに原文のまま出力し、空の場合は説明欄を出力しない。
func (r *Renderer) Render(kind event.Kind, ev event.Event, recipientName string) (Rendered, error) {
	tmpl, ok := bodies[kind]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %q", ErrUnknownTemplateKind, kind)
	}
	th := themes[kind]

	// 主催者が登録した説明文は加工せずにそのまま載せる
	v := view{
		Name:        recipientName,
		Heading:     th.heading,
		Color:       th.color,
		Start:       FormatStart(ev.StartTime),
		End:         FormatEnd(ev.EndTime),
		Description: template.HTML(ev.Description), //nolint:gosec
		Event:       ev,
	}
	if kind == event.KindReminder {
		v.Phrase = ReminderPhrase(ev.ReminderKind)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", v); err != nil {
		return Rendered{}, fmt.Errorf("メール本文の生成に失敗: %w", err)
	}
	return Rendered{Subject: subject(kind, ev.Name, v.Phrase), Body: buf.String()}, nil
}

func subject(kind event.Kind, name, phrase string) string {
	switch kind {
	case event.KindCreated:
		return "New Event: " + name
	case event.KindUpdated:
		return "Event Updated: " + name
	case event.KindCancelled:
		return "Event Cancelled: " + name
	default:
		return "Reminder: " + name + " - " + phrase
	}
}

// ReminderPhrase はリマインダー種別を件名と本文に使う文言に変換する。
// 未知の種別と空文字列は "Upcoming Event" になる。
func ReminderPhrase(kind event.ReminderKind) string {
	switch kind {
	case event.ReminderOneDay:
		return "Starting in 1 Day"
	case event.ReminderOneHour:
		return "Starting in 1 Hour"
	default:
		return "Upcoming Event"
	}
}

// timeLayouts は日時文字列として受け付ける形式。
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatStart は開始日時を "January 02, 2006 at 03:04 PM" 形式にする。
// 解釈できない場合は入力をそのまま返す。
func FormatStart(s string) string {
	if t, ok := parseTime(s); ok {
		return t.Format("January 02, 2006 at 03:04 PM")
	}
	return s
}

// FormatEnd は終了日時を "03:04 PM" 形式にする。
// 解釈できない場合は入力をそのまま返す。
func FormatEnd(s string) string {
	if t, ok := parseTime(s); ok {
		return t.Format("03:04 PM")
	}
	return s
}
