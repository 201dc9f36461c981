// Package clock abstracts time for components that schedule expiry and
// debounce work, so tests can substitute a controllable source.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

// Now returns the function's result.
func (f Func) Now() time.Time {
	return f()
}
