package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulerTicks     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "scheduler_ticks_total", Help: "Dispatch ticks run"})
	SchedulerTickTime  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "roadside", Name: "scheduler_tick_seconds", Help: "Dispatch tick duration seconds"})
	SchedulerErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "scheduler_request_errors_total", Help: "Per-request processing failures"})
	RequestsTimedOut   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "requests_timed_out_total", Help: "Requests cancelled because the search timed out"})
	RequestsPurged     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "requests_purged_total", Help: "Terminal requests removed after retention"})
	PoolSize           = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "roadside", Name: "dispatch_pool_size", Help: "Operators notified per round", Buckets: []float64{0, 1, 5, 15, 25, 35, 45, 100}})
	OffersSubmitted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "offers_submitted_total", Help: "Offers recorded"})
	OffersAccepted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "offers_accepted_total", Help: "Offers accepted"})
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "offer_accept_conflicts_total", Help: "Acceptances lost to a concurrent writer"})
	WSSessions         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "roadside", Name: "ws_sessions", Help: "Websocket sessions joined to this process"})
	SubscriptionsGone  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside", Name: "push_subscriptions_deactivated_total", Help: "Push subscriptions marked invalid"})
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside", Name: "notifications_total", Help: "Notifications by delivery path and result"},
		[]string{"path", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roadside",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
