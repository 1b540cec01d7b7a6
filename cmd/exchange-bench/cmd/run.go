package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/polarsignals/localexchange/internal/records"
	"github.com/polarsignals/localexchange/query"
	"github.com/polarsignals/localexchange/query/exchange"
	"github.com/polarsignals/localexchange/query/partition"
	"github.com/polarsignals/localexchange/query/pipeline"
)

type runFlags struct {
	typ         string
	sinks       int
	sources     int
	partitions  int
	buckets     int
	partitioner string
	records     int
	rows        int
	keys        int
	workers     int
	batchSize   int
	memoryLimit string
	allocLimit  string
	logLevel    string
}

var flags runFlags

var runCmd = &cobra.Command{
	Use:     "run",
	Example: "exchange-bench run --type=shuffle --sinks=8 --sources=4 --memory-limit=16MiB",
	Short:   "Push generated records through an exchange and report the distribution",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cmd.OutOrStdout(), flags)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&flags.typ, "type", exchange.Shuffle.String(), "exchanger type, see the types command")
	f.IntVar(&flags.sinks, "sinks", 4, "number of sink endpoints")
	f.IntVar(&flags.sources, "sources", 4, "number of source endpoints")
	f.IntVar(&flags.partitions, "partitions", 4, "number of channel queues")
	f.IntVar(&flags.buckets, "buckets", 0, "logical partitions of shuffle partitioners, defaults to partitions")
	f.StringVar(&flags.partitioner, "partitioner", "hash", "shuffle partitioner: hash or crc32")
	f.IntVar(&flags.records, "records", 100, "records produced per sink")
	f.IntVar(&flags.rows, "rows", 1024, "rows per record")
	f.IntVar(&flags.keys, "keys", 1000, "number of distinct keys")
	f.IntVar(&flags.workers, "workers", 0, "scheduler workers, defaults to GOMAXPROCS")
	f.IntVar(&flags.batchSize, "batch-size", exchange.DefaultBatchSize, "rows sources try to read at once")
	f.StringVar(&flags.memoryLimit, "memory-limit", "0", "queued bytes above which sinks are held back, 0 disables")
	f.StringVar(&flags.allocLimit, "alloc-limit", "4GiB", "arrow memory the run may allocate")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

type channelStats struct {
	blocks int64
	rows   int64
	bytes  int64
}

type collector struct {
	mtx      sync.Mutex
	channels []channelStats
	keys     map[string]map[int]struct{}
}

func (c *collector) callback(channel int) pipeline.Callback {
	return func(_ context.Context, r arrow.Record) error {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		stats := &c.channels[channel]
		stats.blocks++
		stats.rows += r.NumRows()
		stats.bytes += records.Size(r)

		col := r.Column(0).(*array.String)
		for i := 0; i < col.Len(); i++ {
			key := col.Value(i)
			if c.keys[key] == nil {
				c.keys[key] = map[int]struct{}{}
			}
			c.keys[key][channel] = struct{}{}
		}
		return nil
	}
}

func producer(pool memory.Allocator, channel int, f runFlags) pipeline.Producer {
	rng := rand.New(rand.NewSource(int64(channel)))
	produced := 0
	return func(context.Context) (arrow.Record, bool, error) {
		b := array.NewRecordBuilder(pool, schema)
		defer b.Release()
		keys := b.Field(0).(*array.StringBuilder)
		values := b.Field(1).(*array.Int64Builder)
		for i := 0; i < f.rows; i++ {
			keys.Append("key-" + strconv.Itoa(rng.Intn(f.keys)))
			values.Append(int64(produced*f.rows + i))
		}
		produced++
		return b.NewRecord(), produced == f.records, nil
	}
}

func newLogger(lvl string) (log.Logger, error) {
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

// sinkOptions returns the per sink options of the shuffle types.
func sinkOptions(typ exchange.Type, f runFlags) (func(int) []exchange.SinkOption, error) {
	if typ != exchange.Shuffle && typ != exchange.BucketShuffle {
		return nil, nil
	}

	buckets := f.buckets
	if buckets == 0 {
		buckets = f.partitions
	}
	var p partition.Partitioner
	switch {
	case typ == exchange.BucketShuffle:
		p = partition.NewBucketPartitioner(buckets, "key")
	case f.partitioner == "hash":
		p = partition.NewHashPartitioner(buckets, "key")
	case f.partitioner == "crc32":
		p = partition.NewCRC32Partitioner(buckets, "key")
	default:
		return nil, fmt.Errorf("unknown partitioner %q", f.partitioner)
	}

	var remap map[int]int
	if typ == exchange.BucketShuffle || buckets != f.partitions {
		remap = make(map[int]int, buckets)
		for b := 0; b < buckets; b++ {
			remap[b] = b % f.partitions
		}
	}
	return func(int) []exchange.SinkOption {
		opts := []exchange.SinkOption{exchange.WithPartitioner(p.Clone()), exchange.WithSchema(schema)}
		if remap != nil {
			opts = append(opts, exchange.WithRemap(remap))
		}
		return opts
	}, nil
}

func run(ctx context.Context, out io.Writer, f runFlags) error {
	logger, err := newLogger(f.logLevel)
	if err != nil {
		return err
	}
	typ, err := exchange.ParseType(f.typ)
	if err != nil {
		return err
	}
	memoryLimit, err := humanize.ParseBytes(f.memoryLimit)
	if err != nil {
		return fmt.Errorf("parse memory limit: %w", err)
	}
	allocLimit, err := humanize.ParseBytes(f.allocLimit)
	if err != nil {
		return fmt.Errorf("parse alloc limit: %w", err)
	}
	if f.records <= 0 || f.rows <= 0 || f.keys <= 0 {
		return fmt.Errorf("records, rows and keys must be positive")
	}

	allocator := query.NewLimitAllocator(int64(allocLimit), memory.DefaultAllocator)
	reg := prometheus.NewRegistry()

	ex, err := exchange.New(typ, f.sinks, f.sources, f.partitions)
	if err != nil {
		return err
	}
	state, err := exchange.NewSharedState(ex,
		exchange.WithName("bench"),
		exchange.WithLogger(logger),
		exchange.WithRegisterer(reg),
		exchange.WithAllocator(allocator),
		exchange.WithBatchSize(f.batchSize),
		exchange.WithMemoryLimit(int64(memoryLimit)),
	)
	if err != nil {
		return err
	}
	if err := state.CreateDependencies(0); err != nil {
		return err
	}

	opts, err := sinkOptions(typ, f)
	if err != nil {
		return err
	}
	c := &collector{
		channels: make([]channelStats, f.sources),
		keys:     map[string]map[int]struct{}{},
	}
	tasks, err := pipeline.ExchangeTasks(state, opts,
		func(channel int) pipeline.Producer { return producer(allocator, channel, f) },
		c.callback,
	)
	if err != nil {
		return err
	}

	schedOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if f.workers > 0 {
		schedOpts = append(schedOpts, pipeline.WithWorkers(f.workers))
	}
	start := time.Now()
	if err := pipeline.NewScheduler(schedOpts...).Run(ctx, tasks...); err != nil {
		return err
	}
	elapsed := time.Since(start)

	level.Info(logger).Log("msg", "run finished", "type", typ, "duration", elapsed)
	return report(out, f, state, c, allocator, reg, elapsed)
}

func report(
	out io.Writer,
	f runFlags,
	state *exchange.SharedState,
	c *collector,
	allocator *query.LimitAllocator,
	reg *prometheus.Registry,
	elapsed time.Duration,
) error {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Source", "Blocks", "Rows", "Size", "Queue", "Peak queued"})
	var total int64
	for channel, stats := range c.channels {
		queue := channel % f.partitions
		total += stats.rows
		table.Append([]string{
			strconv.Itoa(channel),
			strconv.FormatInt(stats.blocks, 10),
			strconv.FormatInt(stats.rows, 10),
			humanize.IBytes(uint64(stats.bytes)),
			strconv.Itoa(queue),
			humanize.IBytes(uint64(state.ChannelPeakMemUsage(queue))),
		})
	}
	table.Render()

	split := 0
	for _, channels := range c.keys {
		if len(channels) > 1 {
			split++
		}
	}
	dropped, err := counterValue(reg, "localexchange_blocks_dropped_total")
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "rows:           %d (%.0f rows/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Fprintf(out, "keys:           %d, read from more than one source: %d\n", len(c.keys), split)
	fmt.Fprintf(out, "dropped blocks: %.0f\n", dropped)
	fmt.Fprintf(out, "arrow memory:   peak %s, leaked %s\n",
		humanize.IBytes(uint64(allocator.Peak())), humanize.IBytes(uint64(allocator.Allocated())),
	)

	if allocator.Allocated() != 0 {
		return fmt.Errorf("%s of arrow memory was not released", humanize.IBytes(uint64(allocator.Allocated())))
	}
	// Every key of a shuffle lands on exactly one queue, so it can only be
	// read from several sources when sources share a queue.
	if t := state.Exchanger().Type(); (t == exchange.Shuffle || t == exchange.BucketShuffle) && f.sources <= f.partitions && split > 0 {
		return fmt.Errorf("%d keys were read from more than one source", split)
	}
	return nil
}

func counterValue(reg prometheus.Gatherer, name string) (float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	var v float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			v += m.GetCounter().GetValue()
		}
	}
	return v, nil
}
