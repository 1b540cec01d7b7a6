// Package exchange redistributes arrow records between the parallel instances
// of a pipeline inside one process. Sinks hand records to an Exchanger which
// spreads them over per-channel queues owned by a SharedState; sources pop
// from their channel when the scheduler sees their Dependency ready.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/polarsignals/localexchange/internal/records"
)

type Type int

const (
	Shuffle Type = iota
	BucketShuffle
	Passthrough
	RoundRobin
	Broadcast
	PassToOne
)

func (t Type) String() string {
	switch t {
	case Shuffle:
		return "shuffle"
	case BucketShuffle:
		return "bucket-shuffle"
	case Passthrough:
		return "passthrough"
	case RoundRobin:
		return "round-robin"
	case Broadcast:
		return "broadcast"
	case PassToOne:
		return "pass-to-one"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType returns the Type named s.
func ParseType(s string) (Type, error) {
	for t := Shuffle; t <= PassToOne; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown exchanger type %q", ErrInvalidConfig, s)
}

// Exchanger decides which channel queues a sunk record goes to. All variants
// share the GetBlock and Close behavior and only differ in Sink.
type Exchanger interface {
	Type() Type
	NumSinks() int
	NumSources() int
	// NumPartitions is the number of channel queues.
	NumPartitions() int

	// Sink distributes the rows of r over the channel queues. It does not
	// take ownership of r. Records sunk after the sources finished are
	// dropped silently. eos marks the last record of the sink.
	Sink(ctx context.Context, r arrow.Record, eos bool, sink *SinkEndpoint) error
	// GetBlock pops the next record of the source's channel. A nil record
	// with eos false means no data is queued yet; eos true is returned once
	// the channel is finished and drained. The caller owns the returned
	// record.
	GetBlock(ctx context.Context, source *SourceEndpoint) (arrow.Record, bool, error)
	// Close marks the source's channel as no longer read.
	Close(source *SourceEndpoint)

	validateSink(sink *SinkEndpoint) error
}

// New returns an exchanger of type t.
func New(t Type, numSinks, numSources, numPartitions int) (Exchanger, error) {
	switch t {
	case Shuffle:
		return NewShuffleExchanger(numSinks, numSources, numPartitions), nil
	case BucketShuffle:
		return NewBucketShuffleExchanger(numSinks, numSources, numPartitions), nil
	case Passthrough:
		return NewPassthroughExchanger(numSinks, numSources, numPartitions), nil
	case RoundRobin:
		return NewRoundRobinExchanger(numSinks, numSources, numPartitions), nil
	case Broadcast:
		return NewBroadcastExchanger(numSinks, numSources, numPartitions), nil
	case PassToOne:
		return NewPassToOneExchanger(numSinks, numSources, numPartitions), nil
	default:
		return nil, fmt.Errorf("%w: unknown exchanger type %d", ErrInvalidConfig, int(t))
	}
}

// exchangerBase holds the layout of an exchanger and the consumer side common
// to all variants.
type exchangerBase struct {
	typ           Type
	numSinks      int
	numSources    int
	numPartitions int
}

func (e *exchangerBase) Type() Type         { return e.typ }
func (e *exchangerBase) NumSinks() int      { return e.numSinks }
func (e *exchangerBase) NumSources() int    { return e.numSources }
func (e *exchangerBase) NumPartitions() int { return e.numPartitions }

func (e *exchangerBase) validateSink(*SinkEndpoint) error { return nil }

// GetBlock pops the oldest queued record of the source's channel and keeps
// merging queued records into it while it holds fewer rows than the batch
// size.
func (e *exchangerBase) GetBlock(ctx context.Context, source *SourceEndpoint) (arrow.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s := source.state
	first, ok, eos := s.dequeue(source.queue)
	if !ok {
		if !eos {
			source.stats.GetBlockFailed++
		}
		return nil, eos, nil
	}

	blocks := []arrow.Record{first.record}
	rows := first.record.NumRows()
	for rows < int64(s.batchSize) {
		next, ok, _ := s.dequeue(source.queue)
		if !ok {
			break
		}
		blocks = append(blocks, next.record)
		rows += next.record.NumRows()
	}
	if len(blocks) == 1 {
		source.observe(first.record.NumRows())
		return first.record, false, nil
	}

	start := time.Now()
	merged, err := records.Concat(s.pool, blocks)
	for _, b := range blocks {
		b.Release()
	}
	source.stats.CopyDataTime += time.Since(start)
	if err != nil {
		return nil, false, fmt.Errorf("%w: merge %d queued records: %v", ErrInternal, len(blocks), err)
	}
	source.observe(merged.NumRows())
	return merged, false, nil
}

// Close finishes the source's channel once every source reading it closed;
// anything still queued is released.
func (e *exchangerBase) Close(source *SourceEndpoint) {
	source.state.closeSource(source.channel)
}

// sinkable returns false when no source reads the exchange anymore and the
// record can be dropped.
func sinkable(ctx context.Context, r arrow.Record, sink *SinkEndpoint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if r == nil || r.NumRows() == 0 {
		return false, nil
	}
	if sink.state.RunningSourceOperators() == 0 {
		sink.state.metrics.blocksDropped.Inc()
		return false, nil
	}
	return true, nil
}
