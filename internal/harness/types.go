package harness

// Trace event types.
const (
	EventTypeStep   = "step"
	EventTypeDriver = "driver"
)

// TraceEvent is one entry of a scenario trace: either a scenario step or a
// driver call the step caused. Driver calls follow the step that caused them.
type TraceEvent struct {
	Seq        int64  `json:"seq"`
	Type       string `json:"type"`   // "step" or "driver"
	Action     string `json:"action"` // step verb or driver event kind
	Scope      string `json:"scope,omitempty"`
	Depth      int    `json:"depth,omitempty"`
	Initiating bool   `json:"initiating,omitempty"`
	Conn       int    `json:"conn,omitempty"`
	Isolation  string `json:"isolation,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`     // error kind of a failed step
	Execution  string `json:"execution,omitempty"` // identity a fork step switched to
}

// ScopeSummary is the final state of a named scope.
type ScopeSummary struct {
	Atomic     bool `json:"atomic"`
	Depth      int  `json:"depth"`
	Initiating bool `json:"initiating"`
	Completed  bool `json:"completed,omitempty"`
	Released   bool `json:"released"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step behaved as expected and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps and driver calls in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Scopes holds the state of each opened scope after the last step.
	Scopes map[string]ScopeSummary `json:"scopes,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Scopes: make(map[string]ScopeSummary),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}

// DriverEvents returns the driver calls of the trace in order.
func (r *Result) DriverEvents() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventTypeDriver {
			out = append(out, e)
		}
	}
	return out
}

// DriverCount returns how many driver calls of the given kind succeeded.
func (r *Result) DriverCount(action string) int {
	n := 0
	for _, e := range r.Trace {
		if succeeded(e) && e.Action == action {
			n++
		}
	}
	return n
}
