package harness

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/opscope/internal/errs"
	"github.com/roach88/opscope/internal/fakedb"
)

// DefaultExecution is the execution identity used when a scenario names none.
const DefaultExecution = "scenario"

// DefaultEndpoint is the connection string used when a scenario names none.
const DefaultEndpoint = "fake://scenario"

// Scenario is a scripted sequence of scope steps plus assertions on the
// outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Execution is the fixed execution identity all steps run under.
	Execution string `yaml:"execution,omitempty"`

	// Endpoint is the connection string of the recording endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final scopes and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one of the verb fields is set.
type Step struct {
	Open        string    `yaml:"open,omitempty"`
	OpenAtomic  string    `yaml:"open_atomic,omitempty"`
	Complete    string    `yaml:"complete,omitempty"`
	Connection  string    `yaml:"connection,omitempty"`
	Transaction string    `yaml:"transaction,omitempty"`
	Release     string    `yaml:"release,omitempty"`
	Fail        *FailStep `yaml:"fail,omitempty"`

	// Fork switches later steps to a new execution identity. Scopes opened
	// before the fork keep the execution they were opened on.
	Fork bool `yaml:"fork,omitempty"`

	// Isolation is the isolation level requested by open_atomic, e.g.
	// "serializable". Empty means the driver default.
	Isolation string `yaml:"isolation,omitempty"`

	// ExpectError is the error kind the step must fail with, e.g.
	// "FINALIZATION". Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// FailStep injects a driver failure for every later call of one kind.
type FailStep struct {
	// On is the driver event kind: open, begin, commit, rollback or close.
	On string `yaml:"on"`

	// Error is the injected error message. Empty clears the failure.
	Error string `yaml:"error,omitempty"`
}

// Step verbs.
const (
	StepOpen        = "open"
	StepOpenAtomic  = "open_atomic"
	StepComplete    = "complete"
	StepConnection  = "connection"
	StepTransaction = "transaction"
	StepRelease     = "release"
	StepFail        = "fail"
	StepFork        = "fork"
)

// Action returns the step's verb and the scope it names. Fail and fork steps
// name no scope. An empty verb means no verb field is set; "ambiguous" means more
// than one is.
func (s Step) Action() (verb, scope string) {
	set := 0
	pick := func(v, name string) {
		if name != "" {
			set++
			verb, scope = v, name
		}
	}
	pick(StepOpen, s.Open)
	pick(StepOpenAtomic, s.OpenAtomic)
	pick(StepComplete, s.Complete)
	pick(StepConnection, s.Connection)
	pick(StepTransaction, s.Transaction)
	pick(StepRelease, s.Release)
	if s.Fail != nil {
		set++
		verb, scope = StepFail, ""
	}
	if s.Fork {
		set++
		verb, scope = StepFork, ""
	}
	if set > 1 {
		return "ambiguous", ""
	}
	return verb, scope
}

// Assertion validates the scopes or the trace after all steps ran.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Scope names the scope (depth, initiating).
	Scope string `yaml:"scope,omitempty"`

	// Scopes lists the atomic scopes (same_transaction).
	Scopes []string `yaml:"scopes,omitempty"`

	// Depth is the expected depth (depth).
	Depth int `yaml:"depth,omitempty"`

	// Value is the expected flag (initiating).
	Value *bool `yaml:"value,omitempty"`

	// Event is the driver event kind (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Conn restricts trace_contains to one connection handle. 0 matches any.
	Conn int `yaml:"conn,omitempty"`

	// Events is the expected driver event order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertDepth           = "depth"
	AssertInitiating      = "initiating"
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertRegistryEmpty   = "registry_empty"
	AssertSameTransaction = "same_transaction"
)

var driverEventKinds = map[string]bool{
	string(fakedb.EventCreate):   true,
	string(fakedb.EventOpen):     true,
	string(fakedb.EventBegin):    true,
	string(fakedb.EventCommit):   true,
	string(fakedb.EventRollback): true,
	string(fakedb.EventClose):    true,
}

var errorKinds = map[string]bool{
	string(errs.KindConfiguration):  true,
	string(errs.KindArgument):       true,
	string(errs.KindInfrastructure): true,
	string(errs.KindFinalization):   true,
	string(errs.KindInvariant):      true,
	string(errs.KindInvalidState):   true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario YAML document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// ParseIsolation maps a snake_case isolation name such as "read_committed"
// to its level. The empty string is the driver default.
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	if name == "" {
		return sql.LevelDefault, nil
	}
	for level := sql.LevelDefault; level <= sql.LevelLinearizable; level++ {
		if IsolationName(level) == name {
			return level, nil
		}
	}
	return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", name)
}

// IsolationName returns the snake_case name of level, e.g. "repeatable_read".
func IsolationName(level sql.IsolationLevel) string {
	return strings.ReplaceAll(strings.ToLower(level.String()), " ", "_")
}

// validateScenario checks required fields and that every step refers to a
// scope opened by an earlier step.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	atomic := make(map[string]bool) // scope name -> opened atomically
	for i, step := range s.Steps {
		if err := validateStep(i, step, atomic); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, atomic); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(i int, step Step, atomic map[string]bool) error {
	verb, scope := step.Action()

	switch verb {
	case "":
		return fmt.Errorf("steps[%d]: one of open, open_atomic, complete, connection, transaction, release, fail or fork is required", i)
	case "ambiguous":
		return fmt.Errorf("steps[%d]: only one action per step is allowed", i)
	case StepOpen, StepOpenAtomic:
		if _, dup := atomic[scope]; dup {
			return fmt.Errorf("steps[%d]: scope %q is already declared", i, scope)
		}
		atomic[scope] = verb == StepOpenAtomic
	case StepComplete, StepTransaction:
		isAtomic, ok := atomic[scope]
		if !ok {
			return fmt.Errorf("steps[%d]: scope %q is not opened by an earlier step", i, scope)
		}
		if !isAtomic {
			return fmt.Errorf("steps[%d]: %s requires an atomic scope, %q is not", i, verb, scope)
		}
	case StepConnection, StepRelease:
		if _, ok := atomic[scope]; !ok {
			return fmt.Errorf("steps[%d]: scope %q is not opened by an earlier step", i, scope)
		}
	case StepFail:
		if !driverEventKinds[step.Fail.On] || step.Fail.On == string(fakedb.EventCreate) {
			return fmt.Errorf("steps[%d].fail: unknown driver call %q", i, step.Fail.On)
		}
	}

	if step.Isolation != "" {
		if verb != StepOpenAtomic {
			return fmt.Errorf("steps[%d]: isolation is only valid on open_atomic", i)
		}
		if _, err := ParseIsolation(step.Isolation); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if step.ExpectError != "" && !errorKinds[step.ExpectError] {
		return fmt.Errorf("steps[%d]: unknown error kind %q", i, step.ExpectError)
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, atomic map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDepth:
		if _, ok := atomic[a.Scope]; !ok {
			return fmt.Errorf("assertions[%d]: depth requires a declared scope, got %q", index, a.Scope)
		}
		if a.Depth < 1 {
			return fmt.Errorf("assertions[%d]: depth must be at least 1", index)
		}
	case AssertInitiating:
		if _, ok := atomic[a.Scope]; !ok {
			return fmt.Errorf("assertions[%d]: initiating requires a declared scope, got %q", index, a.Scope)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for initiating", index)
		}
	case AssertTraceContains:
		if !driverEventKinds[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown driver event %q", index, a.Event)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
		for _, e := range a.Events {
			if !driverEventKinds[e] {
				return fmt.Errorf("assertions[%d]: unknown driver event %q", index, e)
			}
		}
	case AssertTraceCount:
		if !driverEventKinds[a.Event] {
			return fmt.Errorf("assertions[%d]: unknown driver event %q", index, a.Event)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertRegistryEmpty:
	case AssertSameTransaction:
		if len(a.Scopes) < 2 {
			return fmt.Errorf("assertions[%d]: same_transaction needs at least two scopes", index)
		}
		for _, name := range a.Scopes {
			if !atomic[name] {
				return fmt.Errorf("assertions[%d]: same_transaction requires atomic scopes, %q is not", index, name)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
