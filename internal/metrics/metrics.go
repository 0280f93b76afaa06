package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksTotal считает обработанные вебхуки по потоку и результату.
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hollyhop_webhooks_total",
		Help: "Total number of processed webhooks by flow and status",
	}, []string{"flow", "status"}) // flow=student/payment, status=ok/skipped/error

	// AmoRequestDuration измеряет время запросов к AmoCRM API.
	AmoRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amocrm_request_duration_seconds",
		Help:    "Time taken by AmoCRM API requests",
		Buckets: prometheus.DefBuckets,
	})

	// HollyhopRequestDuration измеряет время запросов к Hollyhop API.
	HollyhopRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hollyhop_request_duration_seconds",
		Help:    "Time taken by Hollyhop API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"function"})

	// StudentsCreated считает созданных в Hollyhop студентов.
	StudentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hollyhop_students_created_total",
		Help: "Total number of students created in Hollyhop",
	})

	// PaymentsPosted считает записанные оплаты по способу оплаты.
	PaymentsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hollyhop_payments_posted_total",
		Help: "Total number of payments posted to Hollyhop by payment method",
	}, []string{"method"})
)
