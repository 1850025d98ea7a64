package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/service"
)

// Collector exposes the coordinator and dispatcher snapshots as prometheus
// metrics. Everything is gathered on scrape; nothing here is part of the
// core's correctness contract.
type Collector struct {
	coord *service.Coordinator
	disp  *service.Dispatcher

	activeJobs     *prometheus.Desc
	queueDepth     *prometheus.Desc
	queueDrops     *prometheus.Desc
	queueEvictions *prometheus.Desc
	backlog        *prometheus.Desc
	oldestPending  *prometheus.Desc
	inFlight       *prometheus.Desc
	failedTotal    *prometheus.Desc
	expiredTotal   *prometheus.Desc
}

func NewCollector(coord *service.Coordinator, disp *service.Dispatcher) *Collector {
	return &Collector{
		coord: coord,
		disp:  disp,
		activeJobs: prometheus.NewDesc("visor_active_jobs",
			"Number of jobs with a running pipeline.", nil, nil),
		queueDepth: prometheus.NewDesc("visor_queue_depth",
			"Buffered items in a stage queue.", []string{"job", "queue"}, nil),
		queueDrops: prometheus.NewDesc("visor_queue_drops_total",
			"Items rejected by the full-queue policy.", []string{"job", "queue"}, nil),
		queueEvictions: prometheus.NewDesc("visor_queue_evictions_total",
			"Low-priority items evicted to admit urgent ones.", []string{"job", "queue"}, nil),
		backlog: prometheus.NewDesc("visor_dispatcher_backlog",
			"Pending notification events.", nil, nil),
		oldestPending: prometheus.NewDesc("visor_dispatcher_oldest_pending_seconds",
			"Age of the oldest pending event.", nil, nil),
		inFlight: prometheus.NewDesc("visor_dispatcher_in_flight",
			"Events currently being delivered.", nil, nil),
		failedTotal: prometheus.NewDesc("visor_events_failed_total",
			"Events that exhausted their delivery attempts.", nil, nil),
		expiredTotal: prometheus.NewDesc("visor_events_expired_total",
			"Events that expired before delivery.", nil, nil),
	}
}

// MustRegister registers the collector with the default registry.
func MustRegister(coord *service.Coordinator, disp *service.Dispatcher) {
	prometheus.MustRegister(NewCollector(coord, disp))
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeJobs
	ch <- c.queueDepth
	ch <- c.queueDrops
	ch <- c.queueEvictions
	ch <- c.backlog
	ch <- c.oldestPending
	ch <- c.inFlight
	ch <- c.failedTotal
	ch <- c.expiredTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snaps := c.coord.Snapshots()
	ch <- prometheus.MustNewConstMetric(c.activeJobs, prometheus.GaugeValue, float64(len(snaps)))
	for _, snap := range snaps {
		for name, qs := range snap.Queues {
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
				float64(qs.Depth), snap.JobID, name)
			ch <- prometheus.MustNewConstMetric(c.queueDrops, prometheus.CounterValue,
				float64(qs.Drops), snap.JobID, name)
			ch <- prometheus.MustNewConstMetric(c.queueEvictions, prometheus.CounterValue,
				float64(qs.Evictions), snap.JobID, name)
		}
	}

	backlog, err := c.disp.Backlog()
	if err != nil {
		logger.Error.Printf("metrics: dispatcher backlog: %v", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.backlog, prometheus.GaugeValue, float64(backlog.Pending))
	ch <- prometheus.MustNewConstMetric(c.oldestPending, prometheus.GaugeValue, backlog.OldestAge.Seconds())
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(backlog.InFlight))
	ch <- prometheus.MustNewConstMetric(c.failedTotal, prometheus.CounterValue, float64(backlog.FailedTotal))
	ch <- prometheus.MustNewConstMetric(c.expiredTotal, prometheus.CounterValue, float64(backlog.ExpiredTotal))
}
