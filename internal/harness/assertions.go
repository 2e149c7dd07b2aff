package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/sectorcount/internal/gateway"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Op)
			if ev.Slot != 0 {
				fmt.Fprintf(&buf, " slot=%d", ev.Slot)
			}
			if ev.Product != "" {
				fmt.Fprintf(&buf, " %s", ev.Product)
			}
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%s", ev.Error)
			}
			fmt.Fprintf(&buf, " -> %s/%d\n", ev.State, ev.Round)
		}
	}
	return buf.String()
}

// AssertionContext carries the gateway state assertions inspect.
type AssertionContext struct {
	// Entries are the gateway's active entries of the drill session.
	Entries []gateway.EntryDTO
}

// assertFinalState checks the gateway session at the end of the drill.
func assertFinalState(result *Result, a Assertion) error {
	s := result.Final
	var diffs []string
	if string(s.State) != a.State {
		diffs = append(diffs, fmt.Sprintf("state %s", s.State))
	}
	if a.Round != nil && s.Round != *a.Round {
		diffs = append(diffs, fmt.Sprintf("round %d", s.Round))
	}
	if a.Escalated != nil && s.Escalated != *a.Escalated {
		diffs = append(diffs, fmt.Sprintf("escalated %t", s.Escalated))
	}
	if len(diffs) == 0 {
		return nil
	}

	expected := "state " + a.State
	if a.Round != nil {
		expected += fmt.Sprintf(", round %d", *a.Round)
	}
	if a.Escalated != nil {
		expected += fmt.Sprintf(", escalated %t", *a.Escalated)
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: expected,
		Actual:   strings.Join(diffs, ", "),
		Trace:    result.Trace,
	}
}

// assertStockAdjusted checks how many times the stock adjuster ran.
func assertStockAdjusted(result *Result, a Assertion) error {
	if result.Adjustments == a.Times {
		return nil
	}
	return &AssertionError{
		Type:     AssertStockAdjusted,
		Expected: fmt.Sprintf("%d adjustment(s)", a.Times),
		Actual:   fmt.Sprintf("%d adjustment(s)", result.Adjustments),
		Trace:    result.Trace,
	}
}

// assertServerEntries counts active gateway entries of a product,
// optionally narrowed to a slot and a round.
func assertServerEntries(result *Result, entries []gateway.EntryDTO, a Assertion) error {
	n := 0
	for _, e := range entries {
		if e.ProductID != a.Product {
			continue
		}
		if a.Slot != 0 && int(e.Slot) != a.Slot {
			continue
		}
		if a.Round != nil && e.Round != *a.Round {
			continue
		}
		n++
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertServerEntries,
		Expected: fmt.Sprintf("%d entries of %s", a.Count, a.Product),
		Actual:   fmt.Sprintf("%d entries", n),
		Trace:    result.Trace,
	}
}

// assertTraceCount counts trace events of an op, optionally narrowed to
// an error kind.
func assertTraceCount(result *Result, a Assertion) error {
	n := 0
	for _, ev := range result.Trace {
		if ev.Op != a.Op {
			continue
		}
		if a.Error != "" && ev.Error != a.Error {
			continue
		}
		n++
	}
	if n == a.Count {
		return nil
	}
	what := a.Op
	if a.Error != "" {
		what += " with error " + a.Error
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s event(s)", a.Count, what),
		Actual:   fmt.Sprintf("%d event(s)", n),
		Trace:    result.Trace,
	}
}

// EvaluateAssertions runs all assertions against a result.
// Returns the failure messages; an empty slice means every assertion held.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertStockAdjusted:
			err = assertStockAdjusted(result, assertion)
		case AssertServerEntries:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: server_entries requires gateway context", i)
			} else {
				err = assertServerEntries(result, actx.Entries, assertion)
			}
		case AssertTraceCount:
			err = assertTraceCount(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
