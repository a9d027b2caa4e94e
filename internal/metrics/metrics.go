// Package metrics holds the Prometheus collectors exported on METRICS_PORT.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LikesToggled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dzaleka_likes_total",
		Help: "Like writes by direction (like, unlike).",
	}, []string{"direction"})

	CommentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dzaleka_comments_total",
		Help: "Comments appended to posts.",
	})

	PostsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dzaleka_posts_total",
		Help: "Posts created, labelled by whether an image was attached.",
	}, []string{"image"})

	// Notifications counts fan-out outcomes: created, self_suppressed, unresolved.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dzaleka_notifications_total",
		Help: "Notification fan-out outcomes.",
	}, []string{"outcome"})

	OptimisticReverts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dzaleka_optimistic_reverts_total",
		Help: "Local optimistic changes rolled back after a failed remote write.",
	}, []string{"action"})

	MediaUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dzaleka_media_uploads_total",
		Help: "Media upload attempts by result.",
	}, []string{"result"})

	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dzaleka_retries_total",
		Help: "Retries of idempotent reads after transient failures.",
	}, []string{"op"})

	LiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dzaleka_live_subscriptions",
		Help: "Open live subscriptions by topic family.",
	}, []string{"topic"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dzaleka_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
