// Package metrics holds the process-wide Prometheus collectors, exposed on
// /metrics by the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_connections",
		Help: "Live WebSocket connections across all rooms.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Rooms with a running actor.",
	})

	MessagesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_broadcast_total",
		Help: "Frames fanned out to room members.",
	})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_drops_total",
		Help: "Frames dropped because a subscriber's outbound buffer was full.",
	})

	BatchesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_db_batches_written_total",
		Help: "Write-behind batches committed to the database.",
	})

	BatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_db_batches_failed_total",
		Help: "Write-behind batches discarded after a transaction failure.",
	})

	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_callback_deliveries_total",
		Help: "Webhook POST outcomes after retries.",
	}, []string{"outcome"})
)
