package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/archivist/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
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
			fmt.Fprintf(&buf, "  [%d] %s %v -> %s\n", ev.Seq, ev.Step, ev.Args, ev.Result)
		}
	}
	return buf.String()
}

// Row is one final-state row keyed by column name.
type Row map[string]any

// stateTables lists the final_state tables and how to read them.
var stateTables = map[string]func(ctx context.Context, st *store.Store) ([]Row, error){
	"locations":       locationRows,
	"queue_entries":   entryRows,
	"reconciliations": recordRows,
}

func locationRows(ctx context.Context, st *store.Store) ([]Row, error) {
	locs, err := st.Locations().List(ctx, store.LocationFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(locs))
	for i, l := range locs {
		rows[i] = Row{
			"study_uid":  l.StudyUID,
			"partition":  l.Partition,
			"filesystem": l.Filesystem,
			"status":     string(l.Status),
			"lock_mode":  string(l.LockMode),
		}
	}
	return rows, nil
}

func entryRows(ctx context.Context, st *store.Store) ([]Row, error) {
	entries, err := st.Queue().List(ctx, store.EntryFilter{})
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = Row{
			"type":          string(e.Type),
			"status":        string(e.Status),
			"priority":      e.Priority.String(),
			"failure_count": e.FailureCount,
			"has_failure":   e.FailureDescription != "",
		}
	}
	return rows, nil
}

func recordRows(ctx context.Context, st *store.Store) ([]Row, error) {
	recs, err := st.Reconciliations().List(ctx, store.ReconcileFilter{})
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(recs))
	for i, r := range recs {
		attrs := make([]string, len(r.Differences))
		for j, d := range r.Differences {
			attrs[j] = d.Attribute
		}
		sort.Strings(attrs)
		objects, err := st.Reconciliations().Objects(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		rows[i] = Row{
			"requested_action": string(r.RequestedAction),
			"outcome":          string(r.Outcome),
			"resolved":         r.Resolved(),
			"differences":      strings.Join(attrs, ","),
			"objects":          len(objects),
		}
	}
	return rows, nil
}

// EvaluateAssertions evaluates every assertion and returns the failure
// messages.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, st *store.Store) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(ctx, st, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// stepMatches reports whether ev is a step of the assertion's kind whose
// args contain the expected args and whose result matches when given.
func stepMatches(ev TraceEvent, a Assertion) bool {
	if ev.Step != a.Step {
		return false
	}
	if a.Result != "" && ev.Result != a.Result {
		return false
	}
	return matchFields(ev.Args, a.Args)
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if stepMatches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s step with args %v and result %q", a.Step, a.Args, a.Result),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the step kinds appear in order. Other
// steps may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Steps) && ev.Step == a.Steps[next] {
			next++
		}
	}
	if next == len(a.Steps) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("steps in order: %v", a.Steps),
		Actual:   fmt.Sprintf("%s (position %d) not found after its predecessors", a.Steps[next], next+1),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if stepMatches(ev, a) {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s steps", *a.Count, a.Step),
			Actual:   fmt.Sprintf("%d steps", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState selects the rows matching Where and checks the count
// when given and that every selected row contains Expect.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	read, ok := stateTables[a.Table]
	if !ok {
		return fmt.Errorf("unknown table %q", a.Table)
	}
	rows, err := read(ctx, st)
	if err != nil {
		return fmt.Errorf("read %s: %w", a.Table, err)
	}

	var selected []Row
	for _, r := range rows {
		if matchFields(r, a.Where) {
			selected = append(selected, r)
		}
	}

	if a.Count != nil && len(selected) != *a.Count {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d rows in %s where %s", *a.Count, a.Table, formatFields(a.Where)),
			Actual:   fmt.Sprintf("%d rows", len(selected)),
		}
	}
	if len(a.Expect) == 0 {
		return nil
	}
	if len(selected) == 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatFields(a.Where)),
			Actual:   "row not found",
		}
	}
	for _, r := range selected {
		if !matchFields(r, a.Expect) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s in %s where %s", formatFields(a.Expect), a.Table, formatFields(a.Where)),
				Actual:   formatFields(r),
			}
		}
	}
	return nil
}

// matchFields reports whether actual contains every expected key with an
// equal value. Values compare by their printed form, so YAML integers
// match Go ints of any width.
func matchFields[M ~map[string]any](actual M, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// formatFields renders a map with sorted keys.
func formatFields[M ~map[string]any](m M) string {
	if len(m) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(parts, " AND ")
}
