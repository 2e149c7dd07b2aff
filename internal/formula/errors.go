package formula

import (
	"fmt"

	"github.com/roach88/sectorcount/internal/count"
)

// Reason classifies why a formula was rejected.
type Reason string

const (
	ReasonEmpty          Reason = "empty"
	ReasonInvalidGrammar Reason = "invalid-grammar"
	ReasonNonNumeric     Reason = "non-numeric-result"
	ReasonNegative       Reason = "negative-result"
)

// Error is returned for every rejected formula. It unwraps to a
// count VALIDATION error so callers can treat it like any other
// locally rejected input.
type Error struct {
	Reason  Reason
	Input   string
	Pos     int // byte offset in the whitespace-stripped input, -1 if not positional
	Message string
}

func newError(reason Reason, input string, pos int, msg string) *Error {
	return &Error{Reason: reason, Input: input, Pos: pos, Message: msg}
}

func (e *Error) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("formula %q: %s: %s at offset %d", e.Input, e.Reason, e.Message, e.Pos)
	}
	return fmt.Sprintf("formula %q: %s: %s", e.Input, e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return count.NewValidationError(string(e.Reason) + ": " + e.Message)
}
