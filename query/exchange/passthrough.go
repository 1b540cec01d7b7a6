package exchange

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// PassthroughExchanger forwards every record of sink channel c unchanged to
// channel c modulo the number of channels.
type PassthroughExchanger struct {
	exchangerBase
}

var _ Exchanger = (*PassthroughExchanger)(nil)

func NewPassthroughExchanger(numSinks, numSources, numPartitions int) *PassthroughExchanger {
	return &PassthroughExchanger{exchangerBase{
		typ:           Passthrough,
		numSinks:      numSinks,
		numSources:    numSources,
		numPartitions: numPartitions,
	}}
}

func (e *PassthroughExchanger) Sink(ctx context.Context, r arrow.Record, _ bool, sink *SinkEndpoint) error {
	ok, err := sinkable(ctx, r, sink)
	if !ok {
		return err
	}
	forward(r, sink.channel%e.numPartitions, sink)
	return nil
}

// RoundRobinExchanger sends each record of a sink to the next channel in
// turn. Every sink starts at its own channel.
type RoundRobinExchanger struct {
	exchangerBase
}

var _ Exchanger = (*RoundRobinExchanger)(nil)

func NewRoundRobinExchanger(numSinks, numSources, numPartitions int) *RoundRobinExchanger {
	return &RoundRobinExchanger{exchangerBase{
		typ:           RoundRobin,
		numSinks:      numSinks,
		numSources:    numSources,
		numPartitions: numPartitions,
	}}
}

func (e *RoundRobinExchanger) Sink(ctx context.Context, r arrow.Record, _ bool, sink *SinkEndpoint) error {
	ok, err := sinkable(ctx, r, sink)
	if !ok {
		return err
	}
	ch := (sink.channel + sink.next) % e.numPartitions
	sink.next++
	forward(r, ch, sink)
	return nil
}

// PassToOneExchanger funnels every sink into channel 0. The other channels
// only ever see end-of-stream.
type PassToOneExchanger struct {
	exchangerBase
}

var _ Exchanger = (*PassToOneExchanger)(nil)

func NewPassToOneExchanger(numSinks, numSources, numPartitions int) *PassToOneExchanger {
	return &PassToOneExchanger{exchangerBase{
		typ:           PassToOne,
		numSinks:      numSinks,
		numSources:    numSources,
		numPartitions: numPartitions,
	}}
}

func (e *PassToOneExchanger) Sink(ctx context.Context, r arrow.Record, _ bool, sink *SinkEndpoint) error {
	ok, err := sinkable(ctx, r, sink)
	if !ok {
		return err
	}
	forward(r, 0, sink)
	return nil
}

// BroadcastExchanger queues a reference to every record in every channel.
type BroadcastExchanger struct {
	exchangerBase
}

var _ Exchanger = (*BroadcastExchanger)(nil)

func NewBroadcastExchanger(numSinks, numSources, numPartitions int) *BroadcastExchanger {
	return &BroadcastExchanger{exchangerBase{
		typ:           Broadcast,
		numSinks:      numSinks,
		numSources:    numSources,
		numPartitions: numPartitions,
	}}
}

func (e *BroadcastExchanger) Sink(ctx context.Context, r arrow.Record, _ bool, sink *SinkEndpoint) error {
	ok, err := sinkable(ctx, r, sink)
	if !ok {
		return err
	}
	for ch := 0; ch < e.numPartitions; ch++ {
		forward(r, ch, sink)
	}
	return nil
}

// forward queues a new reference to r in channel ch.
func forward(r arrow.Record, ch int, sink *SinkEndpoint) {
	rows := r.NumRows()
	r.Retain()
	if sink.state.enqueue(ch, r) {
		sink.observe(rows)
	}
}
