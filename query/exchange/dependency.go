package exchange

import "sync"

// Dependency is a readiness gate polled by the pipeline scheduler before it
// runs an operator instance. The exchange flips it; the scheduler only reads
// it or parks tasks on it.
type Dependency struct {
	name string

	mtx         sync.Mutex
	ready       bool
	alwaysReady bool
	waiters     []func()
}

func NewDependency(name string, ready bool) *Dependency {
	return &Dependency{name: name, ready: ready}
}

func (d *Dependency) Name() string { return d.name }

func (d *Dependency) Ready() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.ready
}

// SetReady marks the dependency ready and wakes every task parked on it.
func (d *Dependency) SetReady() {
	d.mtx.Lock()
	if d.ready {
		d.mtx.Unlock()
		return
	}
	d.ready = true
	waiters := d.waiters
	d.waiters = nil
	d.mtx.Unlock()

	for _, wake := range waiters {
		wake()
	}
}

// Block marks the dependency blocked. It has no effect once SetAlwaysReady
// was called.
func (d *Dependency) Block() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.alwaysReady {
		return
	}
	d.ready = false
}

// SetAlwaysReady marks the dependency ready for the rest of its lifetime.
func (d *Dependency) SetAlwaysReady() {
	d.mtx.Lock()
	d.alwaysReady = true
	d.mtx.Unlock()
	d.SetReady()
}

// IsBlockedBy reports whether the dependency is blocked. If it is, wake is
// registered and called exactly once when the dependency becomes ready. wake
// runs on the goroutine that flips the dependency and must not block.
func (d *Dependency) IsBlockedBy(wake func()) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.ready {
		return false
	}
	d.waiters = append(d.waiters, wake)
	return true
}

func (d *Dependency) String() string {
	if d.Ready() {
		return d.name + "(ready)"
	}
	return d.name + "(blocked)"
}
