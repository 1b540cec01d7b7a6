package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrInvalidConfig is returned for setup problems: bad instance counts,
	// missing key columns or inconsistent remap tables. It is fatal for the
	// query and never retried.
	ErrInvalidConfig = errors.New("invalid local exchange configuration")

	// ErrInternal is returned when a caller breaks an exchange invariant, for
	// example by finishing more sinks than were started.
	ErrInternal = errors.New("local exchange invariant violated")
)

// configError returns the problems collected in errs as one ErrInvalidConfig,
// or nil if there are none.
func configError(errs *multierror.Error, format string, args ...any) error {
	if errs.ErrorOrNil() == nil {
		return nil
	}
	errs.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, err := range es {
			msgs[i] = err.Error()
		}
		return strings.Join(msgs, "; ")
	}
	if format == "" {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errs)
	}
	return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, fmt.Sprintf(format, args...), errs)
}
