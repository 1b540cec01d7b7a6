package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/polarsignals/localexchange/query/partition"
)

func TestSharedStateConfig(t *testing.T) {
	_, err := NewSharedState(NewShuffleExchanger(0, -1, 4))
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorContains(t, err, "sinks")
	require.ErrorContains(t, err, "sources")

	// Every queue needs at least one source.
	_, err = NewSharedState(NewShuffleExchanger(1, 2, 4))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSharedState(NewPassthroughExchanger(1, 1, 1), WithBatchSize(0))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSharedState(NewPassthroughExchanger(1, 1, 1), WithMemoryLimit(-1))
	require.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewSharedState(NewPassthroughExchanger(2, 2, 2))
	require.NoError(t, err)

	_, err = s.NewSourceEndpoint(0)
	require.ErrorIs(t, err, ErrInvalidConfig, "sources need dependencies")

	require.NoError(t, s.CreateDependencies(1))
	require.ErrorIs(t, s.CreateDependencies(1), ErrInternal)
	require.Equal(t, "LocalExchangeSource/1/0", s.DependenciesByChannel(0)[0].Name())
	require.Nil(t, s.DependenciesByChannel(2))

	_, err = s.NewSinkEndpoint(2)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = s.NewSinkEndpoint(0)
	require.NoError(t, err)
	_, err = s.NewSinkEndpoint(0)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = s.NewSourceEndpoint(-1)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = s.NewSourceEndpoint(1)
	require.NoError(t, err)
	_, err = s.NewSourceEndpoint(1)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShuffleSinkConfig(t *testing.T) {
	p := partition.NewHashPartitioner(4, "key")

	tests := map[string]struct {
		options [][]SinkOption
	}{
		"no partitioner": {
			options: [][]SinkOption{{}},
		},
		"partition count without remap": {
			options: [][]SinkOption{{WithPartitioner(partition.NewHashPartitioner(3, "key"))}},
		},
		"remap misses partition": {
			options: [][]SinkOption{{WithPartitioner(p.Clone()), WithRemap(map[int]int{0: 0, 1: 1, 2: 2})}},
		},
		"remap out of range": {
			options: [][]SinkOption{{WithPartitioner(p.Clone()), WithRemap(map[int]int{0: 0, 1: 1, 2: 2, 3: 4})}},
		},
		"remap differs between sinks": {
			options: [][]SinkOption{
				{WithPartitioner(p.Clone()), WithRemap(identityRemap(4))},
				{WithPartitioner(p.Clone()), WithRemap(map[int]int{0: 1, 1: 0, 2: 2, 3: 3})},
			},
		},
		"missing key column": {
			options: [][]SinkOption{{WithPartitioner(partition.NewHashPartitioner(4, "nope")), WithSchema(testSchema)}},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s := newSharedState(t, NewShuffleExchanger(2, 4, 4))
			var err error
			for i, opts := range test.options {
				_, err = s.NewSinkEndpoint(i, opts...)
				if i < len(test.options)-1 {
					require.NoError(t, err)
				}
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Run("missing key column at sink", func(t *testing.T) {
		mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
		defer mem.AssertSize(t, 0)

		s := newSharedState(t, NewShuffleExchanger(1, 4, 4), WithAllocator(mem))
		sink, err := s.NewSinkEndpoint(0, WithPartitioner(partition.NewHashPartitioner(4, "nope")))
		require.NoError(t, err)

		r := makeRecord(t, mem, []int32{1, 2})
		defer r.Release()
		err = sink.Sink(context.Background(), r, false)
		require.ErrorIs(t, err, ErrInvalidConfig)
		require.ErrorIs(t, err, partition.ErrKeyColumnNotFound)
		require.Equal(t, int64(0), s.MemUsage())
	})
}

func TestSubRunningOperators(t *testing.T) {
	s := newSharedState(t, NewPassthroughExchanger(1, 1, 1))
	require.NoError(t, s.SubRunningSinkOperators())
	require.ErrorIs(t, s.SubRunningSinkOperators(), ErrInternal)
	require.Equal(t, int64(0), s.RunningSinkOperators())

	require.NoError(t, s.SubRunningSourceOperators())
	require.ErrorIs(t, s.SubRunningSourceOperators(), ErrInternal)
	require.Equal(t, int64(0), s.RunningSourceOperators())
	require.True(t, s.Done())
}

func TestEndpointCloseOnce(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	s := newSharedState(t, NewPassthroughExchanger(2, 2, 2), WithAllocator(mem))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	require.NoError(t, sinks[0].Close())
	require.NoError(t, sinks[0].Close())
	require.Equal(t, int64(1), s.RunningSinkOperators())

	r := makeRecord(t, mem, []int32{1})
	defer r.Release()
	require.ErrorIs(t, sinks[0].Sink(ctx, r, false), ErrInternal)

	require.NoError(t, sources[0].Close())
	require.NoError(t, sources[0].Close())
	require.Equal(t, int64(1), s.RunningSourceOperators())
	_, _, err := sources[0].GetBlock(ctx)
	require.ErrorIs(t, err, ErrInternal)

	require.NoError(t, sinks[1].Close())
	require.NoError(t, sources[1].Close())
	require.True(t, s.Done())
}

func TestExchangerCloseBeforeEndpointClose(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	ex := NewPassthroughExchanger(1, 2, 1)
	s := newSharedState(t, ex, WithAllocator(mem))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	// Source 0 is closed through the exchanger and then through its
	// endpoint. Source 1 still reads the shared queue.
	ex.Close(sources[0])
	ex.Close(sources[0])
	require.NoError(t, sources[0].Close())
	require.False(t, s.EOS(0))
	require.Equal(t, int64(1), s.RunningSourceOperators())

	r := makeRecord(t, mem, []int32{1, 2, 3})
	defer r.Release()
	require.NoError(t, sinks[0].Sink(ctx, r, true))
	require.Equal(t, 1, s.QueueLen(0))
	require.True(t, sources[1].Dependency().Ready())

	keys, blocks := drain(t, sources[1])
	require.Equal(t, []int32{1, 2, 3}, keys)
	require.Equal(t, 1, blocks)
	require.NoError(t, sources[1].Close())
	require.True(t, s.Done())
	require.Zero(t, s.MemUsage())
}

func TestExchangerCloseIsIdempotent(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	ex := NewBroadcastExchanger(1, 4, 2)
	s := newSharedState(t, ex, WithAllocator(mem))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	// Sources 0 and 2 share queue 0.
	for i := 0; i < 3; i++ {
		ex.Close(sources[0])
	}
	require.False(t, s.EOS(0))

	r := makeRecord(t, mem, []int32{7, 8})
	defer r.Release()
	require.NoError(t, sinks[0].Sink(ctx, r, true))

	keys, _ := drain(t, sources[2])
	require.Equal(t, []int32{7, 8}, keys)

	// Sources 1 and 3 share queue 1 and together see its copy once.
	keys, _ = drain(t, sources[1])
	more, _ := drain(t, sources[3])
	require.ElementsMatch(t, []int32{7, 8}, append(keys, more...))

	for _, src := range sources {
		require.NoError(t, src.Close())
		require.NoError(t, src.Close())
	}
	require.True(t, s.Done())
	require.Zero(t, s.MemUsage())
}

func TestQueueOperationsSkipGroupLock(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	s := newSharedState(t, NewRoundRobinExchanger(1, 2, 2), WithAllocator(mem))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	r := makeRecord(t, mem, []int32{1, 2})
	defer r.Release()

	// Sink and GetBlock only touch the channel's own queue lock.
	s.mtx.Lock()
	done := make(chan error, 1)
	go func() {
		if err := sinks[0].Sink(ctx, r, false); err != nil {
			done <- err
			return
		}
		got, _, err := sources[0].GetBlock(ctx)
		if got != nil {
			got.Release()
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("queue operation waited on the group lock")
	}
	s.mtx.Unlock()
	require.False(t, sources[0].Dependency().Ready())

	require.NoError(t, sinks[0].Close())
	for _, src := range sources {
		require.NoError(t, src.Close())
	}
}

func TestCancellation(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	s := newSharedState(t, NewBroadcastExchanger(1, 2, 2), WithAllocator(mem))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	r := makeRecord(t, mem, []int32{1, 2, 3})
	defer r.Release()
	require.NoError(t, sinks[0].Sink(ctx, r, false))
	cancel()

	require.ErrorIs(t, sinks[0].Sink(ctx, r, false), context.Canceled)
	for ch := 0; ch < 2; ch++ {
		require.Equal(t, 1, s.QueueLen(ch))
	}
	_, _, err := sources[0].GetBlock(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, s.QueueLen(0))

	// Tearing the exchange down after a failure releases what is queued.
	s.Release()
	require.Equal(t, int64(0), s.MemUsage())
	for ch := 0; ch < 2; ch++ {
		require.True(t, s.EOS(ch))
		require.Equal(t, int64(0), s.ChannelMemUsage(ch))
		require.True(t, sources[ch].Dependency().Ready())
	}
	require.NoError(t, sinks[0].Close())
	for _, src := range sources {
		require.NoError(t, src.Close())
	}
}

func TestSourceCloseDropsQueuedData(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s := newSharedState(t, NewBroadcastExchanger(1, 2, 2), WithAllocator(mem), WithRegisterer(reg))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	for i := 0; i < 3; i++ {
		r := makeRecord(t, mem, []int32{int32(i)})
		require.NoError(t, sinks[0].Sink(ctx, r, false))
		r.Release()
	}
	require.Equal(t, 3, s.QueueLen(1))

	require.NoError(t, sources[1].Close())
	require.True(t, s.EOS(1))
	require.Equal(t, 0, s.QueueLen(1))
	require.Equal(t, int64(0), s.ChannelMemUsage(1))
	require.Equal(t, s.ChannelMemUsage(0), s.MemUsage())
	require.Equal(t, float64(3), testutil.ToFloat64(s.metrics.blocksDropped))

	// Channel 1 is gone, channel 0 still receives data.
	r := makeRecord(t, mem, []int32{3})
	require.NoError(t, sinks[0].Sink(ctx, r, true))
	r.Release()
	require.Equal(t, 0, s.QueueLen(1))
	require.Equal(t, 4, s.QueueLen(0))
	require.Equal(t, float64(4), testutil.ToFloat64(s.metrics.blocksDropped))

	keys, _ := drain(t, sources[0])
	require.Equal(t, []int32{0, 1, 2, 3}, keys)
	require.NoError(t, sources[0].Close())
	require.Equal(t, int64(0), s.MemUsage())
}

func TestFanOut(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	// Two sources read the single queue.
	s := newSharedState(t, NewPassthroughExchanger(1, 2, 1), WithAllocator(mem))
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)

	deps := s.DependenciesByChannel(0)
	require.Len(t, deps, 2)
	require.Equal(t, deps, s.DependenciesByChannel(1))

	r := makeRecord(t, mem, []int32{1})
	require.NoError(t, sinks[0].Sink(ctx, r, false))
	r.Release()
	for _, src := range sources {
		require.True(t, src.Dependency().Ready())
	}

	r, eos, err := sources[1].GetBlock(ctx)
	require.NoError(t, err)
	require.False(t, eos)
	require.Equal(t, []int32{1}, int32Values(r))
	r.Release()
	for _, src := range sources {
		require.False(t, src.Dependency().Ready())
	}

	// The queue stays open while one of its sources reads it.
	require.NoError(t, sources[1].Close())
	require.False(t, s.EOS(0))

	require.NoError(t, sinks[0].Close())
	require.True(t, sources[0].Dependency().Ready())
	_, eos, err = sources[0].GetBlock(ctx)
	require.NoError(t, err)
	require.True(t, eos)
	require.NoError(t, sources[0].Close())
}

func TestCreateDependenciesAfterData(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	s, err := NewSharedState(NewPassthroughExchanger(2, 2, 2), WithAllocator(mem))
	require.NoError(t, err)
	sinks := openSinks(t, s, nil)

	r := makeRecord(t, mem, []int32{1})
	require.NoError(t, sinks[0].Sink(context.Background(), r, true))
	r.Release()
	require.NoError(t, sinks[1].Close())

	require.NoError(t, s.CreateDependencies(0))
	sources := openSources(t, s)
	for _, src := range sources {
		require.True(t, src.Dependency().Ready())
	}
	keys, _ := drain(t, sources[0])
	require.Equal(t, []int32{1}, keys)
	for _, src := range sources {
		require.NoError(t, src.Close())
	}
}

func TestBackpressure(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := context.Background()
	r := makeRecord(t, mem, []int32{1, 2, 3, 4})
	defer r.Release()

	s := newSharedState(t, NewPassthroughExchanger(1, 1, 1),
		WithAllocator(mem),
		WithBatchSize(1),
		WithMemoryLimit(1), // Any queued record exceeds the limit.
	)
	sinks := openSinks(t, s, nil)
	sources := openSources(t, s)
	dep := sinks[0].Dependency()
	require.Same(t, s.SinkDependency(), dep)
	require.True(t, dep.Ready())

	require.NoError(t, sinks[0].Sink(ctx, r, false))
	require.False(t, dep.Ready())

	// Sinks are never refused; the limit only defers scheduling.
	require.NoError(t, sinks[0].Sink(ctx, r, false))
	require.Equal(t, 2, s.QueueLen(0))

	woken := make(chan struct{})
	require.True(t, dep.IsBlockedBy(func() { close(woken) }))

	out, _, err := sources[0].GetBlock(ctx)
	require.NoError(t, err)
	out.Release()
	require.False(t, dep.Ready())

	out, _, err = sources[0].GetBlock(ctx)
	require.NoError(t, err)
	out.Release()
	require.True(t, dep.Ready())
	<-woken

	require.NoError(t, sinks[0].Sink(ctx, r, false))
	require.False(t, dep.Ready())

	// Once every source left the sinks may always run and their data is
	// dropped.
	require.NoError(t, sources[0].Close())
	require.True(t, dep.Ready())
	require.NoError(t, sinks[0].Sink(ctx, r, false))
	require.True(t, dep.Ready())
	require.Equal(t, int64(0), s.MemUsage())
	require.NoError(t, sinks[0].Close())
}

// waitReady parks the calling goroutine until dep is ready.
func waitReady(ctx context.Context, dep *Dependency) error {
	ready := make(chan struct{})
	if !dep.IsBlockedBy(func() { close(ready) }) {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConcurrentShuffle(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	const (
		numSinks   = 4
		numSources = 3
		records    = 50
		numKeys    = 100
	)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p := partition.NewHashPartitioner(numSources, "key")
	s := newSharedState(t, NewShuffleExchanger(numSinks, numSources, numSources),
		WithAllocator(mem),
		WithRegisterer(reg),
		WithLogger(log.NewNopLogger()),
		WithName("concurrent"),
		WithBatchSize(64),
		WithMemoryLimit(16<<10),
	)
	sinks := openSinks(t, s, func(int) []SinkOption {
		return []SinkOption{WithPartitioner(p.Clone()), WithSchema(testSchema)}
	})
	sources := openSources(t, s)

	const sent = numSinks * records * 10
	var (
		mtx       sync.Mutex
		keyToChan = map[int32]int{}
		received  int64
	)

	g, ctx := errgroup.WithContext(ctx)
	for i, sink := range sinks {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			for j := 0; j < records; j++ {
				if err := waitReady(ctx, sink.Dependency()); err != nil {
					return err
				}
				keys := make([]int32, 10)
				for k := range keys {
					keys[k] = int32(rng.Intn(numKeys))
				}
				r := makeRecord(t, mem, keys)
				err := sink.Sink(ctx, r, j == records-1)
				r.Release()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	for _, src := range sources {
		g.Go(func() error {
			defer src.Close()
			for {
				if err := waitReady(ctx, src.Dependency()); err != nil {
					return err
				}
				r, eos, err := src.GetBlock(ctx)
				if err != nil {
					return err
				}
				if eos {
					return nil
				}
				if r == nil {
					continue
				}
				mtx.Lock()
				for _, key := range int32Values(r) {
					if ch, ok := keyToChan[key]; ok && ch != src.Channel() {
						mtx.Unlock()
						r.Release()
						return fmt.Errorf("key %d read from channels %d and %d", key, ch, src.Channel())
					}
					keyToChan[key] = src.Channel()
				}
				received += r.NumRows()
				mtx.Unlock()
				r.Release()
			}
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, int64(sent), received)
	require.True(t, s.Done())
	require.Equal(t, int64(0), s.MemUsage())
	require.Equal(t, float64(sent), testutil.ToFloat64(s.metrics.rowsEnqueued))
	require.Equal(t, float64(sent), testutil.ToFloat64(s.metrics.rowsDequeued))

	// Three channels with three series each plus the two operator gauges.
	require.Equal(t, 11, testutil.CollectAndCount(&collector{s: s}))
	n, err := testutil.GatherAndCount(reg, "localexchange_rows_enqueued_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var sum int64
	for _, sink := range sinks {
		sum += sink.Stats().RowsSunk
	}
	require.Equal(t, int64(sent), sum)
}
