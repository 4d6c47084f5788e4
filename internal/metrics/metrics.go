package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks live streaming sessions across all users.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "supervisor",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of live streaming sessions",
	})

	// FramesTotal counts frames received from user data streams.
	FramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "ws",
		Name:      "frames_total",
		Help:      "Total frames received from user data streams",
	})

	// MalformedFrames counts frames dropped at the session boundary.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "ws",
		Name:      "malformed_frames_total",
		Help:      "Frames dropped because they could not be parsed",
	})

	// BufferDrops counts frames dropped because the session buffer was full.
	BufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "ws",
		Name:      "buffer_drops_total",
		Help:      "Frames dropped because the session buffer was full",
	})

	// Reconnects counts supervised restarts after unexpected stream closure.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Supervised session restarts after unexpected closure",
	})

	// RenewalsTotal counts successful listen-key renewals.
	RenewalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "token",
		Name:      "renewals_total",
		Help:      "Successful listen-key renewals",
	})

	// RenewalErrors counts failed listen-key renewals (retried next tick).
	RenewalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "token",
		Name:      "renewal_errors_total",
		Help:      "Failed listen-key renewals",
	})

	// OperationsUpserted counts merge-writes of operation records.
	OperationsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "storage",
		Name:      "operations_upserted_total",
		Help:      "Operation records written (merge semantics)",
	})

	// StorageErrors counts failed storage writes on the hot path.
	StorageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "Storage write errors",
	})

	// PublishErrors counts failed publishes of the operation feed.
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supervisor",
		Subsystem: "kafka",
		Name:      "publish_errors_total",
		Help:      "Errors publishing operation records to Kafka",
	})
)
