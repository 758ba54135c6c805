package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return scenario
}

func TestRun_TestdataScenariosPass(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_ScopeSummaries(t *testing.T) {
	result, err := Run(loadTestScenario(t, "mixed_nesting"))
	require.NoError(t, err)

	assert.Equal(t, ScopeSummary{Depth: 1, Initiating: true, Released: true}, result.Scopes["A"])
	assert.Equal(t, ScopeSummary{Depth: 2, Released: true}, result.Scopes["B"])
	assert.Equal(t, ScopeSummary{Atomic: true, Depth: 2, Completed: true, Released: true}, result.Scopes["C"])
}

func TestRun_DriverEventsFollowTheirStep(t *testing.T) {
	result, err := Run(loadTestScenario(t, "uncompleted_atomic"))
	require.NoError(t, err)

	var actions []string
	for _, e := range result.Trace {
		actions = append(actions, e.Type+":"+e.Action)
	}
	assert.Equal(t, []string{
		"step:open_atomic",
		"driver:create", "driver:open", "driver:begin",
		"step:transaction",
		"step:release",
		"driver:rollback", "driver:close",
	}, actions)

	for i, e := range result.Trace {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Len(t, result.DriverEvents(), 5)
}

func TestRun_IsolationRecordedOnBegin(t *testing.T) {
	result, err := Run(loadTestScenario(t, "nested_atomic_commit"))
	require.NoError(t, err)

	var begins []TraceEvent
	for _, e := range result.DriverEvents() {
		if e.Action == "begin" {
			begins = append(begins, e)
		}
	}
	require.Len(t, begins, 1)
	assert.Equal(t, "serializable", begins[0].Isolation)
}

func TestRun_UnexpectedStepError(t *testing.T) {
	scenario := &Scenario{
		Name:        "unexpected_error",
		Description: "open fails but the step does not expect it",
		Steps: []Step{
			{Fail: &FailStep{On: "open", Error: "connection refused"}},
			{OpenAtomic: "A"},
			{Complete: "A"},
		},
		Assertions: []Assertion{{Type: AssertRegistryEmpty}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[1] (open_atomic A): unexpected error")
	assert.Contains(t, result.Errors[0], "connection refused")
	assert.Contains(t, result.Errors[1], `scope "A" is not open`)

	open := result.Trace[1]
	assert.Equal(t, "open_atomic", open.Action)
	assert.Equal(t, "INFRASTRUCTURE", open.Error)
}

func TestRun_ExpectedErrorDidNotHappen(t *testing.T) {
	scenario := &Scenario{
		Name:        "missing_error",
		Description: "release is expected to fail but commits fine",
		Steps: []Step{
			{OpenAtomic: "A"},
			{Complete: "A"},
			{Release: "A", ExpectError: "FINALIZATION"},
		},
		Assertions: []Assertion{{Type: AssertRegistryEmpty}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected FINALIZATION error, step succeeded")
}

func TestRun_WrongErrorKind(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_kind",
		Description: "connection fails with an infrastructure error, not a finalization one",
		Steps: []Step{
			{Fail: &FailStep{On: "open", Error: "refused"}},
			{Open: "A"},
			{Connection: "A", ExpectError: "FINALIZATION"},
			{Release: "A"},
		},
		Assertions: []Assertion{{Type: AssertRegistryEmpty}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected FINALIZATION error, got")
}

func TestRun_FailedAssertionsReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "leaky",
		Description: "scope is never released",
		Steps: []Step{
			{Open: "A"},
			{Connection: "A"},
		},
		Assertions: []Assertion{
			{Type: AssertRegistryEmpty},
			{Type: AssertInitiating, Scope: "A", Value: boolPtr(false)},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "1 live operation context(s)")
	assert.Contains(t, result.Errors[1], "initiating=true")
	assert.False(t, result.Scopes["A"].Released)
}

func TestRun_FailureClearedByEmptyError(t *testing.T) {
	scenario := &Scenario{
		Name:        "cleared_failure",
		Description: "an injected failure can be cleared again",
		Steps: []Step{
			{Fail: &FailStep{On: "begin", Error: "too busy"}},
			{OpenAtomic: "A", ExpectError: "INFRASTRUCTURE"},
			{Fail: &FailStep{On: "begin"}},
			{OpenAtomic: "B"},
			{Complete: "B"},
			{Release: "B"},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Event: "commit", Count: 1},
			{Type: AssertRegistryEmpty},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_CustomExecutionAndEndpoint(t *testing.T) {
	scenario := &Scenario{
		Name:        "custom",
		Description: "execution and endpoint are configurable",
		Execution:   "job-42",
		Endpoint:    "fake://custom",
		Steps:       []Step{{Open: "A"}, {Release: "A"}},
		Assertions:  []Assertion{{Type: AssertRegistryEmpty}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass)

	data, err := Snapshot(scenario, result)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"execution": "job-42"`)
}

func TestRun_ForkedExecution(t *testing.T) {
	result, err := Run(loadTestScenario(t, "forked_execution"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var forks []TraceEvent
	for _, e := range result.Trace {
		if e.Type == EventTypeStep && e.Action == StepFork {
			forks = append(forks, e)
		}
	}
	require.Len(t, forks, 1)
	assert.Equal(t, DefaultExecution+"/1", forks[0].Execution)

	assert.Equal(t, ScopeSummary{Depth: 1, Initiating: true, Released: true}, result.Scopes["parent"])
	assert.Equal(t, ScopeSummary{Depth: 1, Initiating: true, Released: true}, result.Scopes["child"])
}

func TestRun_ForkIdentitiesAreNumbered(t *testing.T) {
	scenario := &Scenario{
		Name:        "forks",
		Description: "each fork gets the next number under the scenario execution",
		Execution:   "job-7",
		Steps:       []Step{{Fork: true}, {Open: "A"}, {Fork: true}, {Open: "B"}, {Release: "B"}, {Release: "A"}},
		Assertions:  []Assertion{{Type: AssertRegistryEmpty}},
	}

	first, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, first.Pass, "errors: %v", first.Errors)

	second, err := Run(scenario)
	require.NoError(t, err)

	var ids []string
	for _, e := range first.Trace {
		if e.Action == StepFork {
			ids = append(ids, e.Execution)
		}
	}
	assert.Equal(t, []string{"job-7/1", "job-7/2"}, ids)
	assert.Equal(t, first.Trace, second.Trace, "fork identities restart with every run")
	assert.True(t, first.Scopes["B"].Initiating, "B runs on its own execution")
}

func TestResult_DriverCountIgnoresFailedCalls(t *testing.T) {
	result, err := Run(loadTestScenario(t, "commit_failure"))
	require.NoError(t, err)

	assert.Equal(t, 0, result.DriverCount("commit"), "the injected commit failure is not counted")
	assert.Equal(t, 1, result.DriverCount("begin"))
	assert.Equal(t, 1, result.DriverCount("close"))
}
