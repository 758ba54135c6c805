package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/opscope/internal/fakedb"
	"github.com/roach88/opscope/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// Golden statuses reported per scenario.
const (
	GoldenNone     = "none"     // no golden file, assertions only
	GoldenMatched  = "matched"  // trace equals the golden file
	GoldenMismatch = "mismatch" // trace differs from the golden file
	GoldenUpdated  = "updated"  // golden file rewritten from the trace
)

// ScopeReport is the final state of one named scope of a scenario.
type ScopeReport struct {
	Name       string `json:"name"`
	Atomic     bool   `json:"atomic"`
	Depth      int    `json:"depth"`
	Initiating bool   `json:"initiating"`
	Completed  bool   `json:"completed"`
	Released   bool   `json:"released"`
}

// ScenarioReport is the outcome of one scenario file.
type ScenarioReport struct {
	Name      string        `json:"name"`
	File      string        `json:"file"`
	Pass      bool          `json:"pass"`
	Golden    string        `json:"golden,omitempty"`
	Commits   int           `json:"commits"`
	Rollbacks int           `json:"rollbacks"`
	Scopes    []ScopeReport `json:"scopes,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

// TestReport is the outcome of a test run.
type TestReport struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r TestReport) renderText(w io.Writer) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}

	for _, s := range r.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		if s.Golden == "" {
			fmt.Fprintf(w, "%s %s\n", mark, s.Name)
		} else {
			fmt.Fprintf(w, "%s %s (commits=%d rollbacks=%d, golden %s)\n", mark, s.Name, s.Commits, s.Rollbacks, s.Golden)
		}
		for _, scope := range s.Scopes {
			fmt.Fprintf(w, "    %s\n", scope)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
	if r.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}

func (s ScopeReport) String() string {
	kind := "scope"
	if s.Atomic {
		kind = "atomic"
	}
	line := fmt.Sprintf("%s: %s depth=%d initiating=%t", s.Name, kind, s.Depth, s.Initiating)
	if s.Atomic {
		line += fmt.Sprintf(" completed=%t", s.Completed)
	}
	return line + fmt.Sprintf(" released=%t", s.Released)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scope scenarios against the fake driver",
		Long: `Run scope scenarios using the harness framework.

Each scenario opens, completes and releases named scopes against a
recording fake driver, then checks the driver trace and the scenario's
assertions. When <scenarios-dir>/golden/<name>.golden exists the trace
must also match it byte for byte.

Every scenario is reported with its commit and rollback counts, its
golden status and the final state of each named scope.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  opscope test ./scenarios
  opscope test ./scenarios --filter "nested-*"
  opscope test ./scenarios --update
  opscope test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	report := TestReport{
		Scenarios: make([]ScenarioReport, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		s := opts.runScenario(file, cmd)
		if s.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Scenarios = append(report.Scenarios, s)
	}

	if report.Failed == 0 {
		return opts.formatter(cmd).Success(report)
	}

	// Failures carry the report alongside the error so JSON consumers see
	// which scenarios failed.
	failure := NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	w := cmd.OutOrStdout()
	if opts.Format != "json" {
		report.renderText(w)
		return failure
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(CLIResponse{
		Status: "error",
		Data:   report,
		Error:  &CLIError{Code: "E_TEST_FAILED", Message: failure.Message},
	}); err != nil {
		return err
	}
	return failure
}

// findScenarioFiles returns the YAML scenario files under dir whose base name
// (without extension) matches filter. Golden directories are skipped.
func findScenarioFiles(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			if ok, _ := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext)); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario loads, runs and golden-checks one scenario file.
func (o *TestOptions) runScenario(file string, cmd *cobra.Command) ScenarioReport {
	report := ScenarioReport{Name: filepath.Base(file), File: file}
	fail := func(format string, args ...any) ScenarioReport {
		report.Pass = false
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
		return report
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail("Load error: %v", err)
	}
	report.Name = scenario.Name

	result, err := harness.Run(scenario, harness.WithLogger(o.logger(cmd.ErrOrStderr())))
	if err != nil {
		return fail("Execution error: %v", err)
	}

	report.Pass = result.Pass
	report.Errors = result.Errors
	report.Commits = result.DriverCount(string(fakedb.EventCommit))
	report.Rollbacks = result.DriverCount(string(fakedb.EventRollback))
	report.Scopes = scopeReports(result.Scopes)

	snapshot, err := harness.Snapshot(scenario, result)
	if err != nil {
		return fail("Snapshot error: %v", err)
	}

	goldenPath := goldenFilePath(file)
	if o.Update {
		if err := writeGolden(goldenPath, snapshot); err != nil {
			return fail("Golden update error: %v", err)
		}
		report.Golden = GoldenUpdated
		return report
	}

	golden, err := os.ReadFile(goldenPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		report.Golden = GoldenNone
	case err != nil:
		return fail("Golden read error: %v", err)
	case bytes.Equal(golden, snapshot):
		report.Golden = GoldenMatched
	default:
		report.Golden = GoldenMismatch
		return fail("Golden file mismatch (run with --update to regenerate)")
	}
	return report
}

func scopeReports(scopes map[string]harness.ScopeSummary) []ScopeReport {
	out := make([]ScopeReport, 0, len(scopes))
	for name, s := range scopes {
		out = append(out, ScopeReport{
			Name:       name,
			Atomic:     s.Atomic,
			Depth:      s.Depth,
			Initiating: s.Initiating,
			Completed:  s.Completed,
			Released:   s.Released,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// goldenFilePath returns <dir>/golden/<name>.golden for <dir>/<name>.yaml.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
