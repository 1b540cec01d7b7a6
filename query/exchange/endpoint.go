package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/polarsignals/localexchange/query/partition"
)

// SinkStats are the counters of one sink endpoint.
type SinkStats struct {
	ComputeHashTime time.Duration
	DistributeTime  time.Duration
	BlocksSunk      int64
	RowsSunk        int64
}

// SinkEndpoint is the producer side of one pipeline instance. It is used by
// a single goroutine at a time.
type SinkEndpoint struct {
	channel     int
	state       *SharedState
	exchanger   Exchanger
	partitioner partition.Partitioner
	remap       map[int]int

	// next is the round robin offset of this sink.
	next       int
	partitions []int
	rows       []*roaring.Bitmap

	stats  SinkStats
	closed bool
}

// NewSinkEndpoint opens sink channel channel. Every channel in
// [0, NumSinks()) must be opened exactly once and closed exactly once.
func (s *SharedState) NewSinkEndpoint(channel int, options ...SinkOption) (*SinkEndpoint, error) {
	var cfg sinkConfig
	for _, option := range options {
		option(&cfg)
	}

	sink := &SinkEndpoint{
		channel:     channel,
		state:       s,
		exchanger:   s.exchanger,
		partitioner: cfg.partitioner,
		remap:       cfg.remap,
	}
	if cfg.partitioner != nil && cfg.schema != nil {
		if err := cfg.partitioner.Open(cfg.schema); err != nil {
			return nil, fmt.Errorf("%w: sink %d: %w", ErrInvalidConfig, channel, err)
		}
	}
	if err := s.exchanger.validateSink(sink); err != nil {
		return nil, err
	}
	if err := s.openSink(channel); err != nil {
		return nil, err
	}
	return sink, nil
}

func (e *SinkEndpoint) Channel() int { return e.channel }

func (e *SinkEndpoint) Stats() SinkStats { return e.stats }

// Dependency returns the dependency the scheduler waits on before running
// this sink again.
func (e *SinkEndpoint) Dependency() *Dependency { return e.state.sinkDep }

// Sink hands r to the exchanger. When eos is set the endpoint is closed after
// r was distributed.
func (e *SinkEndpoint) Sink(ctx context.Context, r arrow.Record, eos bool) error {
	if e.closed {
		return fmt.Errorf("%w: sink %d used after close", ErrInternal, e.channel)
	}
	if err := e.exchanger.Sink(ctx, r, eos, e); err != nil {
		return err
	}
	if eos {
		return e.Close()
	}
	return nil
}

// Close tells the shared state that this sink will not produce anymore. It is
// safe to call more than once; only the first call counts.
func (e *SinkEndpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.state.SubRunningSinkOperators()
}

func (e *SinkEndpoint) observe(rows int64) {
	e.stats.BlocksSunk++
	e.stats.RowsSunk += rows
}

func (e *SinkEndpoint) partitionBuffer(n int) []int {
	if cap(e.partitions) < n {
		e.partitions = make([]int, n)
	}
	return e.partitions[:n]
}

// channelRows returns one empty bitmap per channel.
func (e *SinkEndpoint) channelRows(n int) []*roaring.Bitmap {
	if len(e.rows) != n {
		e.rows = make([]*roaring.Bitmap, n)
		for i := range e.rows {
			e.rows[i] = roaring.New()
		}
	}
	for _, bm := range e.rows {
		bm.Clear()
	}
	return e.rows
}

// SourceStats are the counters of one source endpoint.
type SourceStats struct {
	// GetBlockFailed counts GetBlock calls that found no data.
	GetBlockFailed int64
	CopyDataTime   time.Duration
	BlocksReturned int64
	RowsReturned   int64
}

// SourceEndpoint is the consumer side of one pipeline instance. It is used by
// a single goroutine at a time.
type SourceEndpoint struct {
	channel   int
	queue     int
	state     *SharedState
	exchanger Exchanger
	dep       *Dependency

	stats  SourceStats
	closed bool
	eos    bool
}

// NewSourceEndpoint opens source channel channel. CreateDependencies must
// have been called. Every channel in [0, NumSources()) must be opened exactly
// once and closed exactly once.
func (s *SharedState) NewSourceEndpoint(channel int) (*SourceEndpoint, error) {
	dep, err := s.openSource(channel)
	if err != nil {
		return nil, err
	}
	return &SourceEndpoint{
		channel:   channel,
		queue:     s.queueOf(channel),
		state:     s,
		exchanger: s.exchanger,
		dep:       dep,
	}, nil
}

func (e *SourceEndpoint) Channel() int { return e.channel }

func (e *SourceEndpoint) Stats() SourceStats { return e.stats }

// Dependency returns the dependency that is ready whenever this source has
// data to read or reached end-of-stream.
func (e *SourceEndpoint) Dependency() *Dependency { return e.dep }

// GetBlock returns the next record of this source, see Exchanger.GetBlock.
func (e *SourceEndpoint) GetBlock(ctx context.Context) (arrow.Record, bool, error) {
	if e.closed {
		return nil, false, fmt.Errorf("%w: source %d used after close", ErrInternal, e.channel)
	}
	if e.eos {
		return nil, true, nil
	}
	r, eos, err := e.exchanger.GetBlock(ctx, e)
	if eos {
		e.eos = true
	}
	return r, eos, err
}

// Close stops reading the channel and tells the shared state this source
// finished. It is safe to call more than once; only the first call counts.
func (e *SourceEndpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.exchanger.Close(e)
	return e.state.SubRunningSourceOperators()
}

func (e *SourceEndpoint) observe(rows int64) {
	e.stats.BlocksReturned++
	e.stats.RowsReturned += rows
}
