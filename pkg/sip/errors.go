package sip

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned for datagrams that are not a parseable SIP request.
// The engine drops such input without replying.
var ErrMalformed = errors.New("malformed SIP request")

// ParseError describes why a datagram was rejected
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
}

// Is reports whether target is ErrMalformed
func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

func malformed(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}
