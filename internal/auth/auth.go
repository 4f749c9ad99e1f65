// Package auth provides the wrap/unwrap collaborator this transport core
// consumes but does not implement: authentication flavor wrap/unwrap is
// an external concern. Only the AUTH_NONE flavor is provided here, as a
// runnable default.
package auth

// Wrapper transforms procedure results under a per-call authentication
// flavor before they are written to the wire.
type Wrapper interface {
	// Wrap appends the auth-wrapped encoding of results (and any
	// location-specific framing) to dst, returning the extended slice.
	Wrap(dst []byte, results []byte, location string) ([]byte, error)
}

// None is the AUTH_NONE flavor: results pass through unmodified.
type None struct{}

// Wrap implements Wrapper by appending results to dst verbatim.
func (None) Wrap(dst []byte, results []byte, _ string) ([]byte, error) {
	return append(dst, results...), nil
}
