package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/opscope/internal/ambient"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
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
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
		}
	}

	return buf.String()
}

func describeEvent(e TraceEvent) string {
	var b strings.Builder
	b.WriteString(e.Type)
	b.WriteString(" ")
	b.WriteString(e.Action)
	if e.Scope != "" {
		fmt.Fprintf(&b, " %s", e.Scope)
	}
	if e.Depth > 0 {
		fmt.Fprintf(&b, " depth=%d", e.Depth)
	}
	if e.Conn > 0 {
		fmt.Fprintf(&b, " conn=%d", e.Conn)
	}
	if e.Isolation != "" {
		fmt.Fprintf(&b, " isolation=%s", e.Isolation)
	}
	if e.Failed {
		b.WriteString(" (failed)")
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%s", e.Error)
	}
	return b.String()
}

// succeeded reports whether e is a driver call that did not fail.
func succeeded(e TraceEvent) bool {
	return e.Type == EventTypeDriver && !e.Failed
}

// assertTraceContains checks that a successful driver call of the given kind
// appears in the trace, optionally on a specific connection handle.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if succeeded(event) && event.Action == assertion.Event &&
			(assertion.Conn == 0 || event.Conn == assertion.Conn) {
			return nil
		}
	}

	expected := assertion.Event
	if assertion.Conn != 0 {
		expected = fmt.Sprintf("%s on conn %d", assertion.Event, assertion.Conn)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the given driver
// calls appear in the specified order. Intervening calls are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)

	for i, event := range trace {
		if !succeeded(event) {
			continue
		}
		for _, expected := range assertion.Events {
			if event.Action == expected && positions[expected] == 0 {
				positions[expected] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, e := range assertion.Events {
		if positions[e] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", e),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev := assertion.Events[i-1]
		curr := assertion.Events[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks that a driver call succeeded exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := (&Result{Trace: trace}).DriverCount(assertion.Event)

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

func assertDepth(result *Result, assertion Assertion) error {
	summary, ok := result.Scopes[assertion.Scope]
	if !ok {
		return &AssertionError{
			Type:     AssertDepth,
			Expected: fmt.Sprintf("scope %s with depth %d", assertion.Scope, assertion.Depth),
			Actual:   "scope was never opened",
		}
	}
	if summary.Depth != assertion.Depth {
		return &AssertionError{
			Type:     AssertDepth,
			Expected: fmt.Sprintf("scope %s depth %d", assertion.Scope, assertion.Depth),
			Actual:   fmt.Sprintf("depth %d", summary.Depth),
		}
	}
	return nil
}

func assertInitiating(result *Result, assertion Assertion) error {
	want := *assertion.Value
	summary, ok := result.Scopes[assertion.Scope]
	if !ok {
		return &AssertionError{
			Type:     AssertInitiating,
			Expected: fmt.Sprintf("scope %s with initiating=%t", assertion.Scope, want),
			Actual:   "scope was never opened",
		}
	}
	if summary.Initiating != want {
		return &AssertionError{
			Type:     AssertInitiating,
			Expected: fmt.Sprintf("scope %s initiating=%t", assertion.Scope, want),
			Actual:   fmt.Sprintf("initiating=%t", summary.Initiating),
		}
	}
	return nil
}

func assertRegistryEmpty(actx *AssertionContext) error {
	if n := actx.Registry.Len(); n != 0 {
		return &AssertionError{
			Type:     AssertRegistryEmpty,
			Expected: "no live operation contexts",
			Actual:   fmt.Sprintf("%d live operation context(s)", n),
		}
	}
	return nil
}

// assertSameTransaction checks that every listed scope observed the same
// non-nil transaction handle.
func assertSameTransaction(actx *AssertionContext, assertion Assertion) error {
	var first *scopeState
	for _, name := range assertion.Scopes {
		state, ok := actx.scopes[name]
		if !ok || state.tx == nil {
			return &AssertionError{
				Type:     AssertSameTransaction,
				Expected: fmt.Sprintf("scope %s to hold a transaction", name),
				Actual:   "no transaction observed",
			}
		}
		if first == nil {
			first = state
			continue
		}
		if state.tx != first.tx {
			return &AssertionError{
				Type:     AssertSameTransaction,
				Expected: fmt.Sprintf("scopes %v to share one transaction", assertion.Scopes),
				Actual:   fmt.Sprintf("scope %s holds a different transaction than %s", name, assertion.Scopes[0]),
			}
		}
	}
	return nil
}

// AssertionContext provides the live state assertions inspect.
type AssertionContext struct {
	Registry *ambient.Registry

	scopes map[string]*scopeState
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertDepth:
			err = assertDepth(result, assertion)
		case AssertInitiating:
			err = assertInitiating(result, assertion)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertRegistryEmpty, AssertSameTransaction:
			if actx == nil || actx.Registry == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a live registry", i, assertion.Type)
			} else if assertion.Type == AssertRegistryEmpty {
				err = assertRegistryEmpty(actx)
			} else {
				err = assertSameTransaction(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
