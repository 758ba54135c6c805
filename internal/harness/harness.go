package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/opscope/internal/ambient"
	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/errs"
	"github.com/roach88/opscope/internal/fakedb"
)

// Harness executes one scenario against a recording driver.
type Harness struct {
	db       *fakedb.Factory
	registry *ambient.Registry
	endpoint *endpoint.Endpoint
	ctx      context.Context
	logger   *slog.Logger

	scopes map[string]*scopeState
	opened []string // scope names in opening order
	seen   int      // driver events already copied into the trace
}

type scopeState struct {
	scope  *ambient.Scope
	atomic *ambient.AtomicScope
	tx     driver.Tx // transaction observed at open or by a transaction step
}

// RunOption configures a scenario run.
type RunOption func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes the registry's and the harness's logs to logger.
// Default: logs are discarded.
func WithLogger(logger *slog.Logger) RunOption {
	return func(o *runOptions) {
		o.logger = logger
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh recording driver and registry. Step failures
// and failed assertions are reported in the result; the returned error is
// reserved for scenarios that cannot run at all.
//
// Execution flow:
// 1. Create the recording driver, endpoint and registry
// 2. Execute steps, tracing each step and the driver calls it caused
// 3. Evaluate assertions
// 4. Release scopes the steps left open
func Run(scenario *Scenario, opts ...RunOption) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	connString := scenario.Endpoint
	if connString == "" {
		connString = DefaultEndpoint
	}
	execution := scenario.Execution
	if execution == "" {
		execution = DefaultExecution
	}

	db := fakedb.New()
	ep, err := endpoint.New(connString, db)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	h := &Harness{
		db:       db,
		registry: ambient.NewRegistry(ambient.WithLogger(o.logger)),
		endpoint: ep,
		ctx:      newScenarioContext(execution),
		logger:   o.logger,
		scopes:   make(map[string]*scopeState),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(i, step, result)
	}

	for name, state := range h.scopes {
		summary := ScopeSummary{
			Atomic:     state.atomic != nil,
			Depth:      state.scope.Depth(),
			Initiating: state.scope.IsInitiatingOperation(),
			Released:   state.scope.Released(),
		}
		if state.atomic != nil {
			summary.Completed = state.atomic.Completed()
		}
		result.Scopes[name] = summary
	}

	actx := &AssertionContext{
		Registry: h.registry,
		scopes:   h.scopes,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	h.releaseLeftovers()
	return result, nil
}

// executeStep runs one step and appends it, followed by the driver calls it
// caused, to the trace.
func (h *Harness) executeStep(i int, step Step, result *Result) {
	verb, name := step.Action()
	event := TraceEvent{Type: EventTypeStep, Action: verb, Scope: name}

	err := h.perform(verb, name, step, &event)
	if err != nil {
		event.Error = string(errs.KindOf(err))
		if event.Error == "" {
			event.Error = "UNKNOWN"
		}
	}
	result.addEvent(event)
	h.copyDriverEvents(result)

	switch {
	case err == nil && step.ExpectError != "":
		result.AddError(fmt.Sprintf("steps[%d] (%s %s): expected %s error, step succeeded", i, verb, name, step.ExpectError))
	case err != nil && step.ExpectError == "":
		result.AddError(fmt.Sprintf("steps[%d] (%s %s): unexpected error: %v", i, verb, name, err))
	case err != nil && event.Error != step.ExpectError:
		result.AddError(fmt.Sprintf("steps[%d] (%s %s): expected %s error, got: %v", i, verb, name, step.ExpectError, err))
	}

	h.logger.Debug("scenario step executed",
		"step", i,
		"action", verb,
		"scope", name,
		"error", event.Error,
	)
}

// perform executes a step. Panics are converted into errors so that one
// misbehaving step cannot abort the whole run.
func (h *Harness) perform(verb, name string, step Step, event *TraceEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch verb {
	case StepOpen:
		s, err := ambient.NewScope(h.ctx, h.scopeOptions()...)
		if err != nil {
			return err
		}
		h.track(name, &scopeState{scope: s}, event)

	case StepOpenAtomic:
		level, err := ParseIsolation(step.Isolation)
		if err != nil {
			return err
		}
		a, err := ambient.NewAtomicScope(h.ctx, append(h.scopeOptions(), ambient.WithIsolation(level))...)
		if err != nil {
			return err
		}
		tx, _ := a.Transaction()
		h.track(name, &scopeState{scope: a.Scope, atomic: a, tx: tx}, event)

	case StepComplete:
		state, err := h.lookup(name)
		if err != nil {
			return err
		}
		state.atomic.Complete()

	case StepConnection:
		state, err := h.lookup(name)
		if err != nil {
			return err
		}
		_, err = state.scope.Connection(h.ctx)
		return err

	case StepTransaction:
		state, err := h.lookup(name)
		if err != nil {
			return err
		}
		tx, err := state.atomic.Transaction()
		if err != nil {
			return err
		}
		state.tx = tx

	case StepRelease:
		state, err := h.lookup(name)
		if err != nil {
			return err
		}
		return state.scope.Release()

	case StepFork:
		h.ctx = ambient.Fork(h.ctx)
		id, _ := ambient.ExecutionFrom(h.ctx)
		event.Execution = string(id)

	case StepFail:
		var injected error
		if step.Fail.Error != "" {
			injected = errors.New(step.Fail.Error)
		}
		h.db.FailOn(fakedb.EventKind(step.Fail.On), injected)

	default:
		return fmt.Errorf("unknown step %q", verb)
	}
	return nil
}

// newScenarioContext carries the scenario's execution identity and numbers
// forked identities under it.
func newScenarioContext(execution string) context.Context {
	ctx := ambient.WithGenerator(context.Background(), ambient.NewSequenceGenerator(execution))
	return ambient.WithExecutionID(ctx, ambient.ExecutionID(execution))
}

func (h *Harness) scopeOptions() []ambient.Option {
	return []ambient.Option{
		ambient.WithRegistry(h.registry),
		ambient.WithEndpoint(h.endpoint),
	}
}

func (h *Harness) track(name string, state *scopeState, event *TraceEvent) {
	h.scopes[name] = state
	h.opened = append(h.opened, name)
	event.Depth = state.scope.Depth()
	event.Initiating = state.scope.IsInitiatingOperation()
}

func (h *Harness) lookup(name string) (*scopeState, error) {
	state, ok := h.scopes[name]
	if !ok {
		return nil, fmt.Errorf("scope %q is not open (its open step failed)", name)
	}
	return state, nil
}

// copyDriverEvents appends driver calls recorded since the last step.
func (h *Harness) copyDriverEvents(result *Result) {
	events := h.db.Events()
	for _, e := range events[h.seen:] {
		te := TraceEvent{
			Type:   EventTypeDriver,
			Action: string(e.Kind),
			Conn:   e.Conn,
			Failed: e.Failed,
		}
		if e.Kind == fakedb.EventBegin {
			te.Isolation = IsolationName(e.Isolation)
		}
		result.addEvent(te)
	}
	h.seen = len(events)
}

// releaseLeftovers releases scopes the steps left open, innermost first.
func (h *Harness) releaseLeftovers() {
	for i := len(h.opened) - 1; i >= 0; i-- {
		name := h.opened[i]
		state := h.scopes[name]
		if state.scope.Released() {
			continue
		}
		if err := state.scope.Release(); err != nil {
			h.logger.Warn("releasing leftover scope failed",
				"scope", name,
				"error", err,
			)
		}
	}
}
