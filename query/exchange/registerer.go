package exchange

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// reusableRegistry lets an exchange register its metrics under a name that a
// previous exchange already used, as happens when a query fragment is run
// again. The metrics of the previous exchange are unregistered and the new
// ones start from 0.
type reusableRegistry struct {
	prometheus.Registerer
}

var _ prometheus.Registerer = reusableRegistry{}

func newReusableRegistry(reg prometheus.Registerer) reusableRegistry {
	return reusableRegistry{Registerer: reg}
}

func (r reusableRegistry) Register(c prometheus.Collector) error {
	err := r.Registerer.Register(c)
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	// ExistingCollector is unwrapped by the registry when the collector went
	// through WrapRegistererWith, so unregister by the descriptors of c.
	if !r.Registerer.Unregister(c) {
		return err
	}
	return r.Registerer.Register(c)
}

func (r reusableRegistry) MustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}
