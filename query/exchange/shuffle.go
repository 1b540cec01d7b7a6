package exchange

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/hashicorp/go-multierror"

	"github.com/polarsignals/localexchange/internal/records"
	"github.com/polarsignals/localexchange/query/partition"
)

// ShuffleExchanger routes every row to the channel its partition key hashes
// to, optionally through a logical partition to channel remap table.
type ShuffleExchanger struct {
	exchangerBase
	requireRemap bool

	mtx sync.Mutex
	// remap is the table pinned by the first sink; nil until then.
	remap  map[int]int
	pinned bool
}

var _ Exchanger = (*ShuffleExchanger)(nil)

func NewShuffleExchanger(numSinks, numSources, numPartitions int) *ShuffleExchanger {
	return &ShuffleExchanger{
		exchangerBase: exchangerBase{
			typ:           Shuffle,
			numSinks:      numSinks,
			numSources:    numSources,
			numPartitions: numPartitions,
		},
	}
}

// NewBucketShuffleExchanger returns a shuffle exchanger whose partitioner
// yields bucket ids. Every sink must supply the bucket to channel table.
func NewBucketShuffleExchanger(numSinks, numSources, numPartitions int) *ShuffleExchanger {
	e := NewShuffleExchanger(numSinks, numSources, numPartitions)
	e.typ = BucketShuffle
	e.requireRemap = true
	return e
}

// validateSink checks the partitioner and remap table of a sink and pins the
// table so that every sink of the exchange agrees on it.
func (e *ShuffleExchanger) validateSink(sink *SinkEndpoint) error {
	var errs *multierror.Error
	p := sink.partitioner
	switch {
	case p == nil:
		errs = multierror.Append(errs, fmt.Errorf("sink %d has no partitioner", sink.channel))
	case sink.remap == nil && e.requireRemap:
		errs = multierror.Append(errs, fmt.Errorf("sink %d has no bucket table", sink.channel))
	case sink.remap == nil && p.NumPartitions() != e.numPartitions:
		errs = multierror.Append(errs, fmt.Errorf(
			"sink %d partitioner has %d partitions, exchange has %d channels and no remap table",
			sink.channel, p.NumPartitions(), e.numPartitions,
		))
	case sink.remap != nil:
		for logical := 0; logical < p.NumPartitions(); logical++ {
			ch, ok := sink.remap[logical]
			if !ok {
				errs = multierror.Append(errs, fmt.Errorf("remap table has no channel for partition %d", logical))
				continue
			}
			if ch < 0 || ch >= e.numPartitions {
				errs = multierror.Append(errs, fmt.Errorf("remap table maps partition %d to channel %d out of range [0, %d)", logical, ch, e.numPartitions))
			}
		}
	}
	if err := configError(errs, ""); err != nil {
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.pinned {
		e.remap = maps.Clone(sink.remap)
		e.pinned = true
		return nil
	}
	if !maps.Equal(e.remap, sink.remap) {
		return fmt.Errorf("%w: sink %d remap table differs from the table of the other sinks", ErrInvalidConfig, sink.channel)
	}
	return nil
}

func (e *ShuffleExchanger) Sink(ctx context.Context, r arrow.Record, _ bool, sink *SinkEndpoint) error {
	ok, err := sinkable(ctx, r, sink)
	if !ok {
		return err
	}

	start := time.Now()
	n := int(r.NumRows())
	partitions := sink.partitionBuffer(n)
	if err := sink.partitioner.Partition(r, partitions); err != nil {
		if errors.Is(err, partition.ErrKeyColumnNotFound) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return fmt.Errorf("compute partitions: %w", err)
	}
	sink.stats.ComputeHashTime += time.Since(start)

	start = time.Now()
	defer func() { sink.stats.DistributeTime += time.Since(start) }()

	rows := sink.channelRows(e.numPartitions)
	for i, p := range partitions[:n] {
		ch := p
		if sink.remap != nil {
			var ok bool
			if ch, ok = sink.remap[p]; !ok {
				return fmt.Errorf("%w: partitioner returned partition %d without a channel", ErrInternal, p)
			}
		}
		if ch < 0 || ch >= e.numPartitions {
			return fmt.Errorf("%w: row %d routed to channel %d out of range [0, %d)", ErrInternal, i, ch, e.numPartitions)
		}
		rows[ch].Add(uint32(i))
	}

	// Every sub-record is built before any is enqueued so that a failure
	// leaves no partial record in the queues.
	split := make([]arrow.Record, e.numPartitions)
	for ch, bm := range rows {
		if bm.IsEmpty() {
			continue
		}
		if bm.GetCardinality() == uint64(n) {
			r.Retain()
			split[ch] = r
			break
		}
		sub, err := records.Take(sink.state.pool, r, bm)
		if err != nil {
			releaseAll(split)
			return fmt.Errorf("%w: split record for channel %d: %v", ErrInternal, ch, err)
		}
		split[ch] = sub
	}

	for ch, sub := range split {
		if sub == nil {
			continue
		}
		numRows := sub.NumRows()
		if sink.state.enqueue(ch, sub) {
			sink.observe(numRows)
		}
	}
	return nil
}

func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		if r != nil {
			r.Release()
		}
	}
}
