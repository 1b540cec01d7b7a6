package exchange

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/polarsignals/localexchange/internal/records"
)

// SharedState is shared by every sink and source endpoint of one local
// exchange. It owns the channel queues, the dependencies the scheduler polls,
// the live sink and source counts, and the memory counters.
type SharedState struct {
	id        ulid.ULID
	name      string
	logger    log.Logger
	exchanger Exchanger
	metrics   *metrics

	pool        memory.Allocator
	batchSize   int
	memoryLimit int64

	queues []*blockQueue
	// queueSources counts the sources still open on each queue.
	queueSources []atomic.Int64

	memCounters []atomic.Int64
	memPeaks    []atomic.Int64
	memUsage    atomic.Int64

	runningSinks   atomic.Int64
	runningSources atomic.Int64

	sinkDep    *Dependency
	sinkDepMtx sync.Mutex

	// depsByQueue is published once by CreateDependencies and read without
	// s.mtx on the enqueue and dequeue paths.
	depsByQueue atomic.Pointer[[][]*Dependency]

	mtx           sync.Mutex
	sourceDeps    []*Dependency
	sinksOpen     []bool
	sourcesOpen   []bool
	sourcesClosed []bool
}

// NewSharedState validates the layout of ex and returns the state its
// endpoints share. CreateDependencies must be called before source endpoints
// are created.
func NewSharedState(ex Exchanger, options ...Option) (*SharedState, error) {
	if err := validateLayout(ex); err != nil {
		return nil, err
	}

	id := ulid.Make()
	cfg := config{
		name:      id.String(),
		logger:    log.NewNopLogger(),
		reg:       prometheus.NewRegistry(),
		pool:      memory.DefaultAllocator,
		batchSize: DefaultBatchSize,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, cfg.batchSize)
	}
	if cfg.memoryLimit < 0 {
		return nil, fmt.Errorf("%w: memory limit must not be negative, got %d", ErrInvalidConfig, cfg.memoryLimit)
	}

	numPartitions := ex.NumPartitions()
	s := &SharedState{
		id:           id,
		name:         cfg.name,
		logger:       log.With(cfg.logger, "exchange", cfg.name, "type", ex.Type()),
		exchanger:    ex,
		pool:         cfg.pool,
		batchSize:    cfg.batchSize,
		memoryLimit:  cfg.memoryLimit,
		queues:       make([]*blockQueue, numPartitions),
		queueSources: make([]atomic.Int64, numPartitions),
		memCounters:  make([]atomic.Int64, numPartitions),
		memPeaks:     make([]atomic.Int64, numPartitions),
		sinkDep:      NewDependency("LocalExchangeSink", true),
		sinksOpen:     make([]bool, ex.NumSinks()),
		sourcesOpen:   make([]bool, ex.NumSources()),
		sourcesClosed: make([]bool, ex.NumSources()),
	}
	for i := range s.queues {
		s.queues[i] = &blockQueue{}
	}
	for c := 0; c < ex.NumSources(); c++ {
		s.queueSources[s.queueOf(c)].Inc()
	}
	s.runningSinks.Store(int64(ex.NumSinks()))
	s.runningSources.Store(int64(ex.NumSources()))

	reg := prometheus.WrapRegistererWithPrefix("localexchange_",
		prometheus.WrapRegistererWith(prometheus.Labels{"exchange": cfg.name}, newReusableRegistry(cfg.reg)),
	)
	s.metrics = newMetrics(reg, ex.Type())
	reg.MustRegister(&collector{s: s})

	return s, nil
}

func validateLayout(ex Exchanger) error {
	var errs *multierror.Error
	if ex.NumSinks() <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("number of sinks must be positive, got %d", ex.NumSinks()))
	}
	if ex.NumSources() <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("number of sources must be positive, got %d", ex.NumSources()))
	}
	if ex.NumPartitions() <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("number of partitions must be positive, got %d", ex.NumPartitions()))
	}
	if ex.NumSources() > 0 && ex.NumSources() < ex.NumPartitions() {
		errs = multierror.Append(errs, fmt.Errorf("%d sources cannot read %d partitions", ex.NumSources(), ex.NumPartitions()))
	}
	return configError(errs, "%s exchanger", ex.Type())
}

func (s *SharedState) ID() ulid.ULID { return s.id }

func (s *SharedState) Exchanger() Exchanger { return s.exchanger }

// SinkDependency returns the dependency shared by all sinks. It is blocked
// while more than the memory limit is queued.
func (s *SharedState) SinkDependency() *Dependency { return s.sinkDep }

// queueOf returns the queue read by source channel c.
func (s *SharedState) queueOf(c int) int {
	return c % len(s.queues)
}

// CreateDependencies creates one blocked dependency per source channel. Source
// channels reading the same queue are woken together.
func (s *SharedState) CreateDependencies(groupID int) error {
	s.mtx.Lock()
	if s.sourceDeps != nil {
		s.mtx.Unlock()
		return fmt.Errorf("%w: dependencies already created", ErrInternal)
	}
	s.sourceDeps = make([]*Dependency, s.exchanger.NumSources())
	byQueue := make([][]*Dependency, len(s.queues))
	for c := range s.sourceDeps {
		dep := NewDependency(fmt.Sprintf("LocalExchangeSource/%d/%d", groupID, c), false)
		s.sourceDeps[c] = dep
		q := s.queueOf(c)
		byQueue[q] = append(byQueue[q], dep)
	}
	s.depsByQueue.Store(&byQueue)
	s.mtx.Unlock()

	// Channels may have received data or eos before the dependencies were
	// published. Taking each queue lock after the Store orders the replay
	// with any enqueue that still saw no dependencies.
	for q, queue := range s.queues {
		queue.mtx.Lock()
		for _, dep := range s.queueDeps(q) {
			switch {
			case queue.eos:
				dep.SetAlwaysReady()
			case queue.n > 0:
				dep.SetReady()
			}
		}
		queue.mtx.Unlock()
	}
	return nil
}

// DependenciesByChannel returns the dependencies of every source channel that
// reads the same queue as source channel c.
func (s *SharedState) DependenciesByChannel(c int) []*Dependency {
	if c < 0 || c >= s.exchanger.NumSources() {
		return nil
	}
	return s.queueDeps(s.queueOf(c))
}

// MemUsage returns the bytes queued across all channels.
func (s *SharedState) MemUsage() int64 { return s.memUsage.Load() }

// ChannelMemUsage returns the bytes queued in channel ch.
func (s *SharedState) ChannelMemUsage(ch int) int64 { return s.memCounters[ch].Load() }

// ChannelPeakMemUsage returns the high watermark of ChannelMemUsage.
func (s *SharedState) ChannelPeakMemUsage(ch int) int64 { return s.memPeaks[ch].Load() }

// QueueLen returns the approximate number of blocks queued in channel ch.
func (s *SharedState) QueueLen(ch int) int { return s.queues[ch].sizeApprox() }

// EOS reports whether end-of-stream was set on channel ch.
func (s *SharedState) EOS(ch int) bool {
	q := s.queues[ch]
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.eos
}

func (s *SharedState) RunningSinkOperators() int64 { return s.runningSinks.Load() }

func (s *SharedState) RunningSourceOperators() int64 { return s.runningSources.Load() }

// Done reports whether every sink and source finished, after which the state
// holds no data and may be discarded.
func (s *SharedState) Done() bool {
	return s.runningSinks.Load() == 0 && s.runningSources.Load() == 0
}

// SubRunningSinkOperators records that one sink finished. When the last sink
// finishes every channel gets end-of-stream and its dependencies stay ready.
func (s *SharedState) SubRunningSinkOperators() error {
	n := s.runningSinks.Dec()
	if n < 0 {
		s.runningSinks.Inc()
		return fmt.Errorf("%w: more than %d sinks finished", ErrInternal, s.exchanger.NumSinks())
	}
	if n > 0 {
		return nil
	}

	for ch := range s.queues {
		s.setEOS(ch)
	}
	level.Debug(s.logger).Log("msg", "all sinks finished", "queued", humanize.IBytes(uint64(s.memUsage.Load())))
	return nil
}

// SubRunningSourceOperators records that one source finished. When the last
// source finishes the sinks are released and any remaining data is dropped.
func (s *SharedState) SubRunningSourceOperators() error {
	n := s.runningSources.Dec()
	if n < 0 {
		s.runningSources.Inc()
		return fmt.Errorf("%w: more than %d sources finished", ErrInternal, s.exchanger.NumSources())
	}
	if n > 0 {
		return nil
	}

	s.sinkDep.SetAlwaysReady()
	s.Release()
	level.Debug(s.logger).Log("msg", "all sources finished")
	return nil
}

// Release sets end-of-stream on every channel and drops the queued data. It is
// used to tear the exchange down after a failed query so that no memory stays
// accounted.
func (s *SharedState) Release() {
	for ch := range s.queues {
		s.setEOS(ch)
		s.drain(ch)
	}
}

// setEOS marks channel ch as finished. No block is enqueued after it.
func (s *SharedState) setEOS(ch int) {
	q := s.queues[ch]
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.eos {
		return
	}
	q.eos = true
	for _, dep := range s.queueDeps(ch) {
		dep.SetAlwaysReady()
	}
}

func (s *SharedState) drain(ch int) {
	dropped := 0
	for {
		b, ok, _ := s.dequeue(ch)
		if !ok {
			break
		}
		b.record.Release()
		dropped++
	}
	if dropped > 0 {
		s.metrics.blocksDropped.Add(float64(dropped))
		level.Debug(s.logger).Log("msg", "dropped queued blocks", "channel", ch, "blocks", dropped)
	}
}

func (s *SharedState) queueDeps(ch int) []*Dependency {
	byQueue := s.depsByQueue.Load()
	if byQueue == nil {
		return nil
	}
	return (*byQueue)[ch]
}

// enqueue appends r to channel ch, taking ownership of r. It reports false and
// releases r if the channel already reached end-of-stream.
func (s *SharedState) enqueue(ch int, r arrow.Record) bool {
	size := records.Size(r)
	rows := r.NumRows()
	q := s.queues[ch]

	q.mtx.Lock()
	if q.eos {
		q.mtx.Unlock()
		r.Release()
		s.metrics.blocksDropped.Inc()
		return false
	}
	q.pushLocked(queuedBlock{record: r, size: size})
	s.addMemUsage(ch, size)
	for _, dep := range s.queueDeps(ch) {
		dep.SetReady()
	}
	q.mtx.Unlock()

	s.metrics.blocksEnqueued.Inc()
	s.metrics.rowsEnqueued.Add(float64(rows))
	s.updateSinkDependency()
	return true
}

// dequeue pops the oldest block of channel ch. eos is true when the channel
// is empty and finished.
func (s *SharedState) dequeue(ch int) (b queuedBlock, ok, eos bool) {
	q := s.queues[ch]

	q.mtx.Lock()
	b, ok = q.popLocked()
	if ok {
		s.subMemUsage(ch, b.size)
	}
	if q.n == 0 && !q.eos {
		for _, dep := range s.queueDeps(ch) {
			dep.Block()
		}
	}
	eos = !ok && q.eos
	q.mtx.Unlock()

	if ok {
		s.metrics.blocksDequeued.Inc()
		s.metrics.rowsDequeued.Add(float64(b.record.NumRows()))
		s.updateSinkDependency()
	}
	return b, ok, eos
}

func (s *SharedState) addMemUsage(ch int, size int64) {
	v := s.memCounters[ch].Add(size)
	s.memUsage.Add(size)
	for {
		peak := s.memPeaks[ch].Load()
		if v <= peak || s.memPeaks[ch].CompareAndSwap(peak, v) {
			return
		}
	}
}

func (s *SharedState) subMemUsage(ch int, size int64) {
	s.memCounters[ch].Sub(size)
	s.memUsage.Sub(size)
}

// updateSinkDependency blocks the sinks while more than the memory limit is
// queued.
func (s *SharedState) updateSinkDependency() {
	if s.memoryLimit <= 0 {
		return
	}
	s.sinkDepMtx.Lock()
	defer s.sinkDepMtx.Unlock()
	if s.memUsage.Load() > s.memoryLimit {
		s.sinkDep.Block()
	} else {
		s.sinkDep.SetReady()
	}
}

func (s *SharedState) openSink(channel int) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if channel < 0 || channel >= len(s.sinksOpen) {
		return fmt.Errorf("%w: sink channel %d out of range [0, %d)", ErrInvalidConfig, channel, len(s.sinksOpen))
	}
	if s.sinksOpen[channel] {
		return fmt.Errorf("%w: sink channel %d opened twice", ErrInvalidConfig, channel)
	}
	s.sinksOpen[channel] = true
	return nil
}

func (s *SharedState) openSource(channel int) (*Dependency, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if channel < 0 || channel >= len(s.sourcesOpen) {
		return nil, fmt.Errorf("%w: source channel %d out of range [0, %d)", ErrInvalidConfig, channel, len(s.sourcesOpen))
	}
	if s.sourceDeps == nil {
		return nil, fmt.Errorf("%w: dependencies must be created before source channels", ErrInvalidConfig)
	}
	if s.sourcesOpen[channel] {
		return nil, fmt.Errorf("%w: source channel %d opened twice", ErrInvalidConfig, channel)
	}
	s.sourcesOpen[channel] = true
	return s.sourceDeps[channel], nil
}

// closeSource records that source channel c stopped reading. Repeated calls
// for the same channel are ignored. The last source of a queue finishes the
// queue and drops what is left in it.
func (s *SharedState) closeSource(c int) {
	s.mtx.Lock()
	if c < 0 || c >= len(s.sourcesClosed) || s.sourcesClosed[c] {
		s.mtx.Unlock()
		return
	}
	s.sourcesClosed[c] = true
	s.mtx.Unlock()

	q := s.queueOf(c)
	if s.queueSources[q].Dec() > 0 {
		return
	}
	s.setEOS(q)
	s.drain(q)
	level.Debug(s.logger).Log("msg", "source channel closed", "channel", c, "queue", q)
}
