package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/opscope/internal/ambient"
	"github.com/roach88/opscope/internal/config"
	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/errs"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Atomic bool // open an atomic scope and begin a transaction
}

// CheckResult is the output of the check command.
type CheckResult struct {
	Endpoint   string `json:"endpoint"`
	Execution  string `json:"execution"`
	Atomic     bool   `json:"atomic"`
	Depth      int    `json:"depth"`
	Initiating bool   `json:"initiating"`
	Pinged     bool   `json:"pinged"`
	Isolation  string `json:"isolation,omitempty"`
}

func (r CheckResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s\n", r.Endpoint)
	fmt.Fprintf(w, "  execution:  %s\n", r.Execution)
	fmt.Fprintf(w, "  depth:      %d\n", r.Depth)
	fmt.Fprintf(w, "  initiating: %t\n", r.Initiating)
	if r.Pinged {
		fmt.Fprintln(w, "  ping:       ok")
	}
	if r.Atomic {
		fmt.Fprintf(w, "  transaction: %s (rolled back)\n", r.Isolation)
	}
}

// pinger is implemented by connections backed by database/sql.
type pinger interface {
	SQL() *sql.Conn
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check [connection-name]",
		Short: "Open a scope on a configured connection",
		Long: `Resolve a connection from the config file, open a scope on it and
establish the connection.

Without a name the default connection is used. With --atomic the scope is
atomic: a transaction is begun and then rolled back, since the scope is
never completed.

Exit codes:
  0 - Connection established
  1 - Connection, transaction or close failed
  2 - Configuration error (missing file, unknown connection or driver)

Examples:
  opscope check
  opscope check reporting --atomic
  opscope check --config ./opscope.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runCheck(opts, name, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Atomic, "atomic", false, "open an atomic scope (begins and rolls back a transaction)")

	return cmd
}

func runCheck(opts *CheckOptions, name string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	path := opts.configPath()

	cfg, err := config.Load(path)
	if err != nil {
		return formatter.Fail(fmt.Sprintf("failed to load config %s", path), err)
	}

	ep, err := endpoint.FromConfig(cfg, name, opts.providers())
	if err != nil {
		return formatter.Fail("failed to resolve endpoint", err)
	}
	formatter.VerboseLog("resolved %s", ep)

	registry := ambient.NewRegistry(ambient.WithLogger(opts.logger(cmd.ErrOrStderr())))
	ctx := ambient.WithExecution(commandContext(cmd))
	execution, _ := ambient.ExecutionFrom(ctx)

	result := CheckResult{
		Endpoint:  ep.String(),
		Execution: string(execution),
		Atomic:    opts.Atomic,
	}

	scopeOpts := []ambient.Option{ambient.WithRegistry(registry), ambient.WithEndpoint(ep)}
	if opts.Atomic {
		err = checkAtomic(ctx, &result, scopeOpts)
	} else {
		err = ambient.Run(ctx, func(s *ambient.Scope) error {
			return inspect(ctx, s, &result)
		}, scopeOpts...)
	}
	if err != nil {
		return formatter.Fail(fmt.Sprintf("check %s failed", ep.Redacted()), err)
	}

	if registry.Len() != 0 {
		return formatter.Fail("check failed", errs.New(errs.KindInvariant, "cli.check",
			fmt.Sprintf("%d operation context(s) still registered", registry.Len())))
	}

	return formatter.Success(result)
}

// checkAtomic opens an atomic scope and releases it without completing it,
// so the transaction rolls back.
func checkAtomic(ctx context.Context, result *CheckResult, opts []ambient.Option) (err error) {
	a, err := ambient.NewAtomicScope(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := a.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	tx, err := a.Transaction()
	if err != nil {
		return err
	}
	result.Isolation = isolationName(tx)
	return inspect(ctx, a.Scope, result)
}

func inspect(ctx context.Context, s *ambient.Scope, result *CheckResult) error {
	result.Depth = s.Depth()
	result.Initiating = s.IsInitiatingOperation()

	conn, err := s.Connection(ctx)
	if err != nil {
		return err
	}
	if p, ok := conn.(pinger); ok {
		if err := p.SQL().PingContext(ctx); err != nil {
			return errs.Wrap(errs.KindInfrastructure, "cli.check", "ping failed", err)
		}
		result.Pinged = true
	}
	return nil
}

func isolationName(tx driver.Tx) string {
	if tx == nil {
		return ""
	}
	return tx.Isolation().String()
}
