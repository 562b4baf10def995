package retry

import "errors"

// Kind classifies the one failure category a policy retries.
type Kind interface {
	Match(err error) bool
}

// KindFunc adapts a predicate to Kind. It never matches a nil error.
type KindFunc func(err error) bool

// Match implements Kind.
func (f KindFunc) Match(err error) bool {
	return err != nil && f(err)
}

// AnyError matches every non-nil error.
var AnyError Kind = KindFunc(func(error) bool { return true })

// As matches errors whose chain contains an E.
func As[E error]() Kind {
	return KindFunc(func(err error) bool {
		var target E
		return errors.As(err, &target)
	})
}

// Is matches errors whose chain contains target.
func Is(target error) Kind {
	return KindFunc(func(err error) bool {
		return errors.Is(err, target)
	})
}
