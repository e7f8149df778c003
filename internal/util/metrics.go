package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersIdempotentHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_orders_idempotent_hits_total",
		Help: "Total number of checkout calls resolved to an existing order",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation per checkout",
		Buckets: prometheus.DefBuckets,
	})

	RestocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restocks_total",
		Help: "Total number of restock runs",
	}, []string{"reason", "outcome"})

	PaymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Total number of payment state transitions applied",
	}, []string{"provider", "to"})

	PaymentTransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_rejected_total",
		Help: "Total number of payment state transitions rejected by the guard",
	}, []string{"provider", "to", "reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of webhook events received",
	}, []string{"provider", "type", "outcome"})

	WebhookSignatureFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Total number of webhook signature verification failures",
	}, []string{"provider"})

	SweepOrdersClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_orders_claimed_total",
		Help: "Total number of orders claimed by sweep batches",
	}, []string{"kind"})

	SweepOrdersProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_orders_processed_total",
		Help: "Total number of claimed orders reconciled by sweeps",
	}, []string{"kind", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
