package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveFlows         = promauto.NewGauge(prometheus.GaugeOpts{Name: "udpmask_active_flows", Help: "Flows currently tracked in the peer table"})
	FlowsOpenedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "udpmask_flows_opened_total", Help: "Flows admitted into the peer table"})
	FlowsEvictedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "udpmask_flows_evicted_total", Help: "Flows reclaimed by the idle sweeper"})
	PacketsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udpmask_packets_total", Help: "Datagrams forwarded by direction"}, []string{"direction"})
	BytesTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udpmask_bytes_total", Help: "Payload bytes forwarded by direction"}, []string{"direction"})
	DropsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udpmask_drops_total", Help: "Datagrams dropped by reason"}, []string{"reason"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udpmask_errors_total", Help: "Errors by type"}, []string{"type"})
	JournalDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "udpmask_journal_dropped_total", Help: "Flow journal events dropped because the queue was full"})
)
