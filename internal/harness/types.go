package harness

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Step   string         `json:"step"` // "ingest", "work" or "advance"
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`

	// Queue is the queue after a work step, one "type status failures"
	// line per entry in claim order.
	Queue []string `json:"queue,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
