package exchange

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	blocksEnqueued prometheus.Counter
	rowsEnqueued   prometheus.Counter
	blocksDequeued prometheus.Counter
	rowsDequeued   prometheus.Counter
	blocksDropped  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, typ Type) *metrics {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"type": typ.String()}, reg)
	return &metrics{
		blocksEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blocks_enqueued_total",
			Help: "Number of blocks queued by sinks.",
		}),
		rowsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rows_enqueued_total",
			Help: "Number of rows queued by sinks.",
		}),
		blocksDequeued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blocks_dequeued_total",
			Help: "Number of blocks taken out of the channel queues.",
		}),
		rowsDequeued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "rows_dequeued_total",
			Help: "Number of rows taken out of the channel queues.",
		}),
		blocksDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blocks_dropped_total",
			Help: "Number of blocks dropped because no source reads them anymore.",
		}),
	}
}

var (
	descChannelMemory = prometheus.NewDesc(
		"channel_memory_bytes",
		"Estimated bytes queued in a channel.",
		[]string{"channel"}, nil,
	)
	descChannelPeakMemory = prometheus.NewDesc(
		"channel_peak_memory_bytes",
		"Highest estimated bytes ever queued in a channel.",
		[]string{"channel"}, nil,
	)
	descChannelBlocks = prometheus.NewDesc(
		"channel_queued_blocks",
		"Approximate number of blocks queued in a channel.",
		[]string{"channel"}, nil,
	)
	descRunningSinks = prometheus.NewDesc(
		"running_sinks",
		"Number of sinks that have not finished.",
		nil, nil,
	)
	descRunningSources = prometheus.NewDesc(
		"running_sources",
		"Number of sources that have not finished.",
		nil, nil,
	)
)

// collector exports the live counters of a shared state.
type collector struct {
	s *SharedState
}

var _ prometheus.Collector = (*collector)(nil)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descChannelMemory
	ch <- descChannelPeakMemory
	ch <- descChannelBlocks
	ch <- descRunningSinks
	ch <- descRunningSources
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for i := range c.s.queues {
		channel := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(descChannelMemory, prometheus.GaugeValue, float64(c.s.ChannelMemUsage(i)), channel)
		ch <- prometheus.MustNewConstMetric(descChannelPeakMemory, prometheus.GaugeValue, float64(c.s.ChannelPeakMemUsage(i)), channel)
		ch <- prometheus.MustNewConstMetric(descChannelBlocks, prometheus.GaugeValue, float64(c.s.QueueLen(i)), channel)
	}
	ch <- prometheus.MustNewConstMetric(descRunningSinks, prometheus.GaugeValue, float64(c.s.RunningSinkOperators()))
	ch <- prometheus.MustNewConstMetric(descRunningSources, prometheus.GaugeValue, float64(c.s.RunningSourceOperators()))
}
