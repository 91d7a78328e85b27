// Package metrics は通知サービスのPrometheusメトリクスを定義する。
//
// *Metrics がnilの場合、すべての記録メソッドは何もしない。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventnotify"

// Metrics は通知サービスのコレクタをまとめたもの。
type Metrics struct {
	messages        *prometheus.CounterVec
	sendAttempts    *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	pagesFetched    prometheus.Counter
	remindersIssued *prometheus.CounterVec
	schedulerRuns   *prometheus.CounterVec
	runDuration     prometheus.Histogram
	apiRequests     *prometheus.CounterVec
}

// New はコレクタを生成してregに登録する。
// regがnilの場合は登録せずに生成のみ行う。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Queue messages handled, by notification type and outcome.",
		}, []string{"type", "outcome"}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Provider send attempts, by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notifications delivered after retries, by notification type and result.",
		}, []string{"type", "result"}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_pages_fetched_total",
			Help:      "Participant pages fetched from the booking service.",
		}),
		remindersIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_published_total",
			Help:      "Reminder messages published by the scheduler, by reminder type.",
		}, []string{"reminder_type"}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Reminder scans executed, by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_duration_seconds",
			Help:      "Time spent in one reminder scan.",
			Buckets:   prometheus.DefBuckets,
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_trigger_requests_total",
			Help:      "Trigger API requests, by HTTP status code.",
		}, []string{"code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messages,
			m.sendAttempts,
			m.deliveries,
			m.pagesFetched,
			m.remindersIssued,
			m.schedulerRuns,
			m.runDuration,
			m.apiRequests,
		)
	}
	return m
}

// MessageHandled はキューメッセージの処理結果を記録する。
func (m *Metrics) MessageHandled(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.messages.WithLabelValues(kind, outcome).Inc()
}

// SendAttempt はプロバイダへの1回の送信試行を記録する。
func (m *Metrics) SendAttempt(ok bool) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(result(ok)).Inc()
}

// Delivered は通知種別ごとの最終的な配信結果件数を記録する。
func (m *Metrics) Delivered(kind string, sent, failed int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, "success").Add(float64(sent))
	m.deliveries.WithLabelValues(kind, "failure").Add(float64(failed))
}

// PageFetched は参加者ページの取得を記録する。
func (m *Metrics) PageFetched() {
	if m == nil {
		return
	}
	m.pagesFetched.Inc()
}

// ReminderPublished はスケジューラによるリマインダー発行を記録する。
func (m *Metrics) ReminderPublished(reminderType string) {
	if m == nil {
		return
	}
	m.remindersIssued.WithLabelValues(reminderType).Inc()
}

// SchedulerRun はリマインダースキャン1回分の結果と所要秒数を記録する。
func (m *Metrics) SchedulerRun(ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(result(ok)).Inc()
	m.runDuration.Observe(seconds)
}

// APIRequest はトリガーAPIのレスポンスコードを記録する。
func (m *Metrics) APIRequest(code string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(code).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
