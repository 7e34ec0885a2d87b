package idle

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Structs

// Metrics counts the multiplexer's externally visible events.
type Metrics struct {
	Reactivations metrics.Counter
	Notifications metrics.Counter
	Drops         metrics.Counter
}

// Functions

// NewMetrics builds the multiplexer counters. With an empty prometheus
// address all counters discard their values.
func NewMetrics(promAddr string) *Metrics {

	if promAddr == "" {
		return &Metrics{
			Reactivations: discard.NewCounter(),
			Notifications: discard.NewCounter(),
			Drops:         discard.NewCounter(),
		}
	}

	return &Metrics{
		Reactivations: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imapclient",
			Subsystem: "idle",
			Name:      "reactivations_total",
			Help:      "Number of IDLE session refreshes",
		}, nil),
		Notifications: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imapclient",
			Subsystem: "idle",
			Name:      "notifications_total",
			Help:      "Number of mailbox event notifications forwarded",
		}, nil),
		Drops: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: "imapclient",
			Subsystem: "idle",
			Name:      "drops_total",
			Help:      "Number of connections dropped after failures",
		}, nil),
	}
}
