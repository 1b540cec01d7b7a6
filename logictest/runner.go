package logictest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/datadriven"
	"github.com/google/uuid"

	"github.com/polarsignals/localexchange/query/exchange"
	"github.com/polarsignals/localexchange/query/partition"
)

const nullString = "null"

const (
	// exchange creates an exchange and opens all of its endpoints. All
	// following commands run against it.
	// Example usage: exchange type=shuffle sinks=4 sources=4 partitions=4 keys=(key)
	// Arguments:
	// - type
	// The exchanger type, one of shuffle, bucket-shuffle, passthrough,
	// round-robin, broadcast or pass-to-one.
	// - sinks, sources, partitions
	// The number of sink and source endpoints and of channel queues. Each
	// defaults to 1.
	// - keys
	// The partition key columns of shuffle exchanges.
	// - partitioner
	// hash (default), crc32 or bucket.
	// - buckets
	// The number of logical partitions of the partitioner. Defaults to
	// partitions.
	// - remap
	// The logical partition to channel table, e.g. remap=(0:1,1:0).
	// - batch, limit
	// The batch size in rows and the memory limit in bytes.
	exchangeCmd = "exchange"
	// sink sinks the rows of the input into a sink endpoint. Every input line
	// is one row: a key string and an int64 value.
	// Example usage: sink channel=0 [eos]
	// Arguments:
	// - eos
	// Closes the sink after the rows were sunk.
	sinkCmd = "sink"
	// get reads one block of a source endpoint and prints its rows, "no data"
	// or "eos".
	// Example usage: get channel=0 [summary]
	// Arguments:
	// - summary
	// Prints the number of rows instead of the rows.
	getCmd = "get"
	// drain reads all open sources until end-of-stream and prints the number
	// of rows, distinct keys and the numbers of channels the keys were read
	// from.
	drainCmd = "drain"
	// close closes endpoints.
	// Example usage: close sink=0 | close source=1 | close sinks | close sources
	closeCmd = "close"
	// state prints the operator counts, the queues and the dependencies.
	stateCmd = "state"
)

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "key", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

type Runner struct {
	allocator memory.Allocator

	state   *exchange.SharedState
	sinks   []*exchange.SinkEndpoint
	sources []*exchange.SourceEndpoint
	closed  map[int]bool
}

func NewRunner(allocator memory.Allocator) *Runner {
	return &Runner{allocator: allocator}
}

// RunCmd parses and runs datadriven command with the associated arguments, and
// returns the result.
func (r *Runner) RunCmd(ctx context.Context, c *datadriven.TestData) string {
	result, err := r.handleCmd(ctx, c)
	if err != nil {
		return err.Error()
	}
	return result
}

// Release drops whatever the active exchange still holds.
func (r *Runner) Release() {
	if r.state != nil {
		r.state.Release()
	}
	r.state = nil
	r.sinks = nil
	r.sources = nil
}

func (r *Runner) handleCmd(ctx context.Context, c *datadriven.TestData) (string, error) {
	if c.Cmd != exchangeCmd && r.state == nil {
		return "", fmt.Errorf("%s: no exchange", c.Cmd)
	}
	switch c.Cmd {
	case exchangeCmd:
		return r.handleExchange(c)
	case sinkCmd:
		return r.handleSink(ctx, c)
	case getCmd:
		return r.handleGet(ctx, c)
	case drainCmd:
		return r.handleDrain(ctx)
	case closeCmd:
		return r.handleClose(c)
	case stateCmd:
		return r.handleState(), nil
	}
	return "", fmt.Errorf("unknown command %s", c.Cmd)
}

func (r *Runner) handleExchange(c *datadriven.TestData) (string, error) {
	r.Release()

	var (
		typ         = exchange.Passthrough
		sinks       = 1
		sources     = 1
		partitions  = 1
		buckets     = 0
		keys        []string
		partitioner = "hash"
		remap       map[int]int
		options     = []exchange.Option{
			exchange.WithName(uuid.NewString()),
			exchange.WithAllocator(r.allocator),
		}
		err error
	)
	for _, arg := range c.CmdArgs {
		switch arg.Key {
		case "type":
			if typ, err = exchange.ParseType(singleVal(arg)); err != nil {
				return "", err
			}
		case "sinks":
			sinks, err = intVal(arg)
		case "sources":
			sources, err = intVal(arg)
		case "partitions":
			partitions, err = intVal(arg)
		case "buckets":
			buckets, err = intVal(arg)
		case "keys":
			keys = arg.Vals
		case "partitioner":
			partitioner = singleVal(arg)
		case "remap":
			remap, err = remapVal(arg)
		case "batch":
			var n int
			n, err = intVal(arg)
			options = append(options, exchange.WithBatchSize(n))
		case "limit":
			var n int
			n, err = intVal(arg)
			options = append(options, exchange.WithMemoryLimit(int64(n)))
		default:
			err = fmt.Errorf("unknown argument %s", arg.Key)
		}
		if err != nil {
			return "", fmt.Errorf("exchange: %w", err)
		}
	}
	if buckets == 0 {
		buckets = partitions
	}

	var p partition.Partitioner
	if len(keys) > 0 {
		switch partitioner {
		case "hash":
			p = partition.NewHashPartitioner(buckets, keys...)
		case "crc32":
			p = partition.NewCRC32Partitioner(buckets, keys...)
		case "bucket":
			p = partition.NewBucketPartitioner(buckets, keys...)
		default:
			return "", fmt.Errorf("exchange: unknown partitioner %s", partitioner)
		}
	}

	ex, err := exchange.New(typ, sinks, sources, partitions)
	if err != nil {
		return "", err
	}
	state, err := exchange.NewSharedState(ex, options...)
	if err != nil {
		return "", err
	}
	if err := state.CreateDependencies(0); err != nil {
		return "", err
	}

	sinkEndpoints := make([]*exchange.SinkEndpoint, sinks)
	for i := range sinkEndpoints {
		var opts []exchange.SinkOption
		if p != nil {
			opts = append(opts, exchange.WithPartitioner(p.Clone()), exchange.WithSchema(schema))
		}
		if remap != nil {
			opts = append(opts, exchange.WithRemap(remap))
		}
		if sinkEndpoints[i], err = state.NewSinkEndpoint(i, opts...); err != nil {
			return "", err
		}
	}
	sourceEndpoints := make([]*exchange.SourceEndpoint, sources)
	for i := range sourceEndpoints {
		if sourceEndpoints[i], err = state.NewSourceEndpoint(i); err != nil {
			return "", err
		}
	}

	r.state = state
	r.sinks = sinkEndpoints
	r.sources = sourceEndpoints
	r.closed = make(map[int]bool)
	return c.Expected, nil
}

func (r *Runner) handleSink(ctx context.Context, c *datadriven.TestData) (string, error) {
	channel, err := channelArg(c, len(r.sinks))
	if err != nil {
		return "", fmt.Errorf("sink: %w", err)
	}
	eos := hasArg(c, "eos")

	b := array.NewRecordBuilder(r.allocator, schema)
	defer b.Release()
	keys := b.Field(0).(*array.StringBuilder)
	values := b.Field(1).(*array.Int64Builder)
	for i, line := range strings.Split(strings.TrimSpace(c.Input), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return "", fmt.Errorf("sink: row %d has %d values, expected key and value", i+1, len(fields))
		}
		if fields[0] == nullString {
			keys.AppendNull()
		} else {
			keys.Append(fields[0])
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("sink: row %d: %w", i+1, err)
		}
		values.Append(v)
	}

	rec := b.NewRecord()
	defer rec.Release()
	if err := r.sinks[channel].Sink(ctx, rec, eos); err != nil {
		return "", err
	}
	return "", nil
}

func (r *Runner) handleGet(ctx context.Context, c *datadriven.TestData) (string, error) {
	channel, err := channelArg(c, len(r.sources))
	if err != nil {
		return "", fmt.Errorf("get: %w", err)
	}
	rec, eos, err := r.sources[channel].GetBlock(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case eos:
		return "eos\n", nil
	case rec == nil:
		return "no data\n", nil
	}
	defer rec.Release()

	if hasArg(c, "summary") {
		return fmt.Sprintf("rows=%d\n", rec.NumRows()), nil
	}
	return formatRows(rec)
}

func (r *Runner) handleDrain(ctx context.Context) (string, error) {
	var rows int64
	channelsByKey := map[string]map[int]struct{}{}
	for channel, source := range r.sources {
		if r.closed[channel] {
			continue
		}
		for {
			rec, eos, err := source.GetBlock(ctx)
			if err != nil {
				return "", err
			}
			if eos {
				break
			}
			if rec == nil {
				return "", fmt.Errorf("drain: source %d has no data and no end-of-stream", channel)
			}
			rows += rec.NumRows()
			col := rec.Column(0).(*array.String)
			for i := 0; i < col.Len(); i++ {
				key := nullString
				if col.IsValid(i) {
					key = col.Value(i)
				}
				if channelsByKey[key] == nil {
					channelsByKey[key] = map[int]struct{}{}
				}
				channelsByKey[key][channel] = struct{}{}
			}
			rec.Release()
		}
	}

	counts := map[int]struct{}{}
	for _, channels := range channelsByKey {
		counts[len(channels)] = struct{}{}
	}
	perKey := make([]int, 0, len(counts))
	for n := range counts {
		perKey = append(perKey, n)
	}
	sort.Ints(perKey)
	perKeyStrings := make([]string, len(perKey))
	for i, n := range perKey {
		perKeyStrings[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("rows=%d\nkeys=%d\nchannels-per-key=%s\n",
		rows, len(channelsByKey), strings.Join(perKeyStrings, ","),
	), nil
}

func (r *Runner) handleClose(c *datadriven.TestData) (string, error) {
	for _, arg := range c.CmdArgs {
		switch arg.Key {
		case "sinks":
			for _, sink := range r.sinks {
				if err := sink.Close(); err != nil {
					return "", err
				}
			}
		case "sources":
			for channel := range r.sources {
				if err := r.closeSource(channel); err != nil {
					return "", err
				}
			}
		case "sink":
			channel, err := intVal(arg)
			if err != nil || channel < 0 || channel >= len(r.sinks) {
				return "", fmt.Errorf("close: invalid sink %v", arg.Vals)
			}
			if err := r.sinks[channel].Close(); err != nil {
				return "", err
			}
		case "source":
			channel, err := intVal(arg)
			if err != nil || channel < 0 || channel >= len(r.sources) {
				return "", fmt.Errorf("close: invalid source %v", arg.Vals)
			}
			if err := r.closeSource(channel); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("close: unknown argument %s", arg.Key)
		}
	}
	return "", nil
}

func (r *Runner) closeSource(channel int) error {
	r.closed[channel] = true
	return r.sources[channel].Close()
}

func (r *Runner) handleState() string {
	var b strings.Builder
	fmt.Fprintf(&b, "running sinks=%d sources=%d\n", r.state.RunningSinkOperators(), r.state.RunningSourceOperators())
	fmt.Fprintf(&b, "sink dependency=%s\n", readiness(r.state.SinkDependency()))
	for q := 0; q < r.state.Exchanger().NumPartitions(); q++ {
		fmt.Fprintf(&b, "queue %d: blocks=%d used=%t eos=%t\n",
			q, r.state.QueueLen(q), r.state.ChannelMemUsage(q) > 0, r.state.EOS(q),
		)
	}
	for channel, source := range r.sources {
		fmt.Fprintf(&b, "source %d: %s\n", channel, readiness(source.Dependency()))
	}
	return b.String()
}

func readiness(dep *exchange.Dependency) string {
	if dep.Ready() {
		return "ready"
	}
	return "blocked"
}

func formatRows(rec arrow.Record) (string, error) {
	var b bytes.Buffer
	const (
		minWidth = 8
		tabWidth = 8
		padding  = 2
		padChar  = ' '
		noFlags  = 0
	)
	w := tabwriter.NewWriter(&b, minWidth, tabWidth, padding, padChar, noFlags)

	keys := rec.Column(0).(*array.String)
	values := rec.Column(1).(*array.Int64)
	for i := 0; i < int(rec.NumRows()); i++ {
		key := nullString
		if keys.IsValid(i) {
			key = keys.Value(i)
		}
		if _, err := fmt.Fprintf(w, "%s\t%d\n", key, values.Value(i)); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func channelArg(c *datadriven.TestData, n int) (int, error) {
	for _, arg := range c.CmdArgs {
		if arg.Key != "channel" {
			continue
		}
		channel, err := intVal(arg)
		if err != nil {
			return 0, err
		}
		if channel < 0 || channel >= n {
			return 0, fmt.Errorf("channel %d out of range [0, %d)", channel, n)
		}
		return channel, nil
	}
	return 0, fmt.Errorf("missing channel argument")
}

func hasArg(c *datadriven.TestData, key string) bool {
	for _, arg := range c.CmdArgs {
		if arg.Key == key {
			return true
		}
	}
	return false
}

func singleVal(arg datadriven.CmdArg) string {
	if len(arg.Vals) != 1 {
		return ""
	}
	return arg.Vals[0]
}

func intVal(arg datadriven.CmdArg) (int, error) {
	if len(arg.Vals) != 1 {
		return 0, fmt.Errorf("%s: expected a single value, got %v", arg.Key, arg.Vals)
	}
	return strconv.Atoi(arg.Vals[0])
}

func remapVal(arg datadriven.CmdArg) (map[int]int, error) {
	remap := make(map[int]int, len(arg.Vals))
	for _, v := range arg.Vals {
		from, to, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("remap: invalid entry %q", v)
		}
		logical, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("remap: %w", err)
		}
		channel, err := strconv.Atoi(to)
		if err != nil {
			return nil, fmt.Errorf("remap: %w", err)
		}
		remap[logical] = channel
	}
	return remap, nil
}
