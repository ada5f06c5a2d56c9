package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wsrelay"

// Metrics 连接与中继相关的指标
type Metrics struct {
	ConnectAttempts    prometheus.Counter
	StatusTransitions  *prometheus.CounterVec
	ReconnectScheduled prometheus.Counter
	RetriesExhausted   prometheus.Counter
	SendFailures       *prometheus.CounterVec
	Subscribed         prometheus.Gauge

	RelayPeers      prometheus.Gauge
	RelayBroadcasts *prometheus.CounterVec
	RelayErrors     prometheus.Counter
}

// New 在给定的 Registerer 上注册指标；reg 为 nil 时不注册
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts started by the controller.",
		}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_status_total",
			Help:      "Subscription status transitions reported by the transport.",
		}, []string{"status"}),
		ReconnectScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_scheduled_total",
			Help:      "Reconnect retries armed by the scheduler.",
		}),
		RetriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Times the scheduler gave up after the maximum attempts.",
		}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed publishes by event name.",
		}, []string{"event"}),
		Subscribed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed",
			Help:      "1 while the channel subscription is live.",
		}),
		RelayPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers",
			Help:      "Websocket peers connected to the relay.",
		}),
		RelayBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Broadcast frames fanned out by the relay, by event.",
		}, []string{"event"}),
		RelayErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Peer errors observed by the relay.",
		}),
	}
}

// Noop 返回未注册的指标，用于测试
func Noop() *Metrics {
	return New(nil)
}
