package pipeline

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/polarsignals/localexchange/query/exchange"
)

// Producer returns the next record of a sink task. The task owns the returned
// record. eos marks the last call; the record returned with it may be nil.
type Producer func(ctx context.Context) (r arrow.Record, eos bool, err error)

// Callback receives the records read by a source task. The record is released
// when the callback returns; callbacks retain it to keep it.
type Callback func(ctx context.Context, r arrow.Record) error

// SinkTask feeds the records of a Producer into a sink endpoint.
type SinkTask struct {
	sink     *exchange.SinkEndpoint
	producer Producer
}

func NewSinkTask(sink *exchange.SinkEndpoint, producer Producer) *SinkTask {
	return &SinkTask{sink: sink, producer: producer}
}

func (t *SinkTask) Name() string { return fmt.Sprintf("LocalExchangeSink/%d", t.sink.Channel()) }

func (t *SinkTask) Dependency() *exchange.Dependency { return t.sink.Dependency() }

func (t *SinkTask) Run(ctx context.Context) (bool, error) {
	r, eos, err := t.producer(ctx)
	if err != nil {
		return false, err
	}
	if r != nil {
		defer r.Release()
	}
	if r == nil && !eos {
		return false, nil
	}
	if err := t.sink.Sink(ctx, r, eos); err != nil {
		return false, err
	}
	return eos, nil
}

func (t *SinkTask) Close() error { return t.sink.Close() }

// SourceTask reads a source endpoint until end-of-stream and hands every
// record to a Callback.
type SourceTask struct {
	source   *exchange.SourceEndpoint
	callback Callback
}

func NewSourceTask(source *exchange.SourceEndpoint, callback Callback) *SourceTask {
	return &SourceTask{source: source, callback: callback}
}

func (t *SourceTask) Name() string {
	return fmt.Sprintf("LocalExchangeSource/%d", t.source.Channel())
}

func (t *SourceTask) Dependency() *exchange.Dependency { return t.source.Dependency() }

func (t *SourceTask) Run(ctx context.Context) (bool, error) {
	r, eos, err := t.source.GetBlock(ctx)
	if err != nil {
		return false, err
	}
	if r != nil {
		defer r.Release()
		if err := t.callback(ctx, r); err != nil {
			return false, err
		}
	}
	return eos, nil
}

func (t *SourceTask) Close() error { return t.source.Close() }

// ExchangeTasks opens every sink and source endpoint of s and returns one task
// per endpoint. producer and callback are called with the endpoint channel.
// s must have its dependencies created.
func ExchangeTasks(
	s *exchange.SharedState,
	sinkOptions func(channel int) []exchange.SinkOption,
	producer func(channel int) Producer,
	callback func(channel int) Callback,
) ([]Task, error) {
	ex := s.Exchanger()
	tasks := make([]Task, 0, ex.NumSinks()+ex.NumSources())
	for c := 0; c < ex.NumSinks(); c++ {
		var opts []exchange.SinkOption
		if sinkOptions != nil {
			opts = sinkOptions(c)
		}
		sink, err := s.NewSinkEndpoint(c, opts...)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, NewSinkTask(sink, producer(c)))
	}
	for c := 0; c < ex.NumSources(); c++ {
		source, err := s.NewSourceEndpoint(c)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, NewSourceTask(source, callback(c)))
	}
	return tasks, nil
}
