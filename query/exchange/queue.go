package exchange

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/atomic"
)

type queuedBlock struct {
	record arrow.Record
	// size is the byte estimate accounted when the block was enqueued.
	size int64
}

// blockQueue is the FIFO of one channel. Producers and consumers of a
// channel serialize on its mutex; channels never share a lock.
type blockQueue struct {
	mtx sync.Mutex
	// buf is a circular buffer with n elements, the oldest at head.
	buf  []queuedBlock
	head int
	n    int
	eos  bool

	length atomic.Int64
}

// pushLocked appends b. The caller must hold q.mtx and have checked eos.
func (q *blockQueue) pushLocked(b queuedBlock) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = b
	q.n++
	q.length.Store(int64(q.n))
}

// popLocked removes the oldest block. The caller must hold q.mtx.
func (q *blockQueue) popLocked() (queuedBlock, bool) {
	if q.n == 0 {
		return queuedBlock{}, false
	}
	b := q.buf[q.head]
	q.buf[q.head] = queuedBlock{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	q.length.Store(int64(q.n))
	return b, true
}

func (q *blockQueue) grow() {
	size := 2 * len(q.buf)
	if size == 0 {
		size = 8
	}
	buf := make([]queuedBlock, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}

// sizeApprox returns the number of queued blocks without taking the lock.
func (q *blockQueue) sizeApprox() int {
	return int(q.length.Load())
}
