package exchange

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polarsignals/localexchange/query/partition"
)

// DefaultBatchSize is the number of rows GetBlock tries to accumulate from
// small queued blocks before returning.
const DefaultBatchSize = 4096

type config struct {
	name        string
	logger      log.Logger
	reg         prometheus.Registerer
	pool        memory.Allocator
	batchSize   int
	memoryLimit int64
}

type Option func(*config)

func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.reg = reg
	}
}

// WithName sets the name used to label the metrics and logs of the exchange.
// It defaults to a unique id.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithAllocator sets the allocator used to build split and merged records.
func WithAllocator(pool memory.Allocator) Option {
	return func(c *config) {
		c.pool = pool
	}
}

func WithBatchSize(rows int) Option {
	return func(c *config) {
		c.batchSize = rows
	}
}

// WithMemoryLimit sets the number of queued bytes above which the sink
// dependency is blocked. Zero disables backpressure.
func WithMemoryLimit(bytes int64) Option {
	return func(c *config) {
		c.memoryLimit = bytes
	}
}

type sinkConfig struct {
	partitioner partition.Partitioner
	remap       map[int]int
	schema      *arrow.Schema
}

type SinkOption func(*sinkConfig)

// WithPartitioner sets the partitioner of a shuffle sink. Each sink needs its
// own instance, see partition.Partitioner.Clone.
func WithPartitioner(p partition.Partitioner) SinkOption {
	return func(c *sinkConfig) {
		c.partitioner = p
	}
}

// WithRemap sets the table mapping the partitioner's logical partitions to
// physical channels. Every sink of an exchange must use the same table.
func WithRemap(remap map[int]int) SinkOption {
	return func(c *sinkConfig) {
		c.remap = remap
	}
}

// WithSchema opens the sink's partitioner against schema when the sink is
// created, so that missing key columns are reported before any data flows.
func WithSchema(schema *arrow.Schema) SinkOption {
	return func(c *sinkConfig) {
		c.schema = schema
	}
}
