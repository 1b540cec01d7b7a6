package exchange

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDuplicateRegistration(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := newReusableRegistry(promReg)

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test",
		Help: "test",
	})
	reg.MustRegister(c)
	c.Inc()
	c.Inc()
	require.Equal(t, float64(2), testutil.ToFloat64(c))

	c = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test",
		Help: "test",
	})
	require.Panics(t, func() {
		promReg.MustRegister(c)
	}, "should panic when registering the same collector twice")

	reg.MustRegister(c)
	c.Inc()
	n, err := testutil.GatherAndCount(promReg, "test")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, float64(1), testutil.ToFloat64(c))
}

func TestDuplicateRegistrationWrapped(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWithPrefix("prefix_",
		prometheus.WrapRegistererWith(prometheus.Labels{"exchange": "fragment"}, newReusableRegistry(promReg)),
	)

	newCounter := func() prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "test_total",
			Help: "test",
		})
	}

	c := newCounter()
	c.Add(5)
	require.NotPanics(t, func() {
		c = newCounter()
	})
	c.Inc()

	n, err := testutil.GatherAndCount(promReg, "prefix_test_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, float64(1), testutil.ToFloat64(c))
}

func TestSharedStateReusesNameOnWrappedRegistry(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"node": "a"}, promReg)

	for i := 0; i < 2; i++ {
		s, err := NewSharedState(NewBroadcastExchanger(1, 2, 2),
			WithName("fragment"),
			WithRegisterer(reg),
		)
		require.NoError(t, err)
		require.NoError(t, s.SubRunningSinkOperators())
		require.NoError(t, s.SubRunningSourceOperators())
		require.NoError(t, s.SubRunningSourceOperators())
		require.True(t, s.Done())
	}

	n, err := testutil.GatherAndCount(promReg, "localexchange_running_sinks", "localexchange_channel_queued_blocks")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSharedStateReusesName(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	reg := prometheus.NewRegistry()
	for i := 0; i < 2; i++ {
		s := newSharedState(t, NewPassthroughExchanger(1, 1, 1),
			WithName("fragment"),
			WithRegisterer(reg),
			WithAllocator(mem),
		)
		sinks := openSinks(t, s, nil)
		sources := openSources(t, s)

		r := makeRecord(t, mem, []int32{1, 2, 3})
		require.NoError(t, sinks[0].Sink(context.Background(), r, true))
		r.Release()
		keys, _ := drain(t, sources[0])
		require.Len(t, keys, 3)
		require.NoError(t, sources[0].Close())

		// The counters of the previous run were replaced.
		require.Equal(t, float64(3), testutil.ToFloat64(s.metrics.rowsEnqueued))
		n, err := testutil.GatherAndCount(reg, "localexchange_rows_enqueued_total", "localexchange_channel_memory_bytes")
		require.NoError(t, err)
		require.Equal(t, 2, n)
	}
}
