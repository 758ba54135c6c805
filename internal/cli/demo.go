package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/opscope/internal/ambient"
	"github.com/roach88/opscope/internal/driver"
	"github.com/roach88/opscope/internal/endpoint"
	"github.com/roach88/opscope/internal/sqlconn"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	DBPath string
}

// DemoStep records the outcome of one unit of work in the demo.
type DemoStep struct {
	Name      string `json:"name"`
	Committed bool   `json:"committed"`
	Error     string `json:"error,omitempty"`
}

// DemoResult is the output of the demo command.
type DemoResult struct {
	Database  string     `json:"database"`
	Execution string     `json:"execution"`
	Steps     []DemoStep `json:"steps"`
	Customers []string   `json:"customers"`
}

func (r DemoResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Database:  %s\n", r.Database)
	fmt.Fprintf(w, "Execution: %s\n\n", r.Execution)
	for _, s := range r.Steps {
		if s.Committed {
			fmt.Fprintf(w, "✓ %s (committed)\n", s.Name)
			continue
		}
		fmt.Fprintf(w, "✗ %s (rolled back)\n", s.Name)
		if s.Error != "" {
			fmt.Fprintf(w, "  %s\n", s.Error)
		}
	}
	fmt.Fprintf(w, "\nCustomers: %v\n", r.Customers)
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run nested scopes against a SQLite database",
		Long: `Run two units of work made of nested atomic scopes on one SQLite database.

The first unit creates the customers table and, in a nested scope, inserts
"Ada"; every participant completes, so it commits. The second inserts
"Grace" and then, in a nested scope, inserts "Ada" again. The duplicate
fails, the nested scope is not completed and the whole unit rolls back,
"Grace" included.

Examples:
  opscope demo
  opscope demo --db /tmp/demo.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "opscope-demo.db", "SQLite database path")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	factory := sqlconn.NewSQLiteFactory()
	defer factory.Close()

	ep, err := endpoint.New(opts.DBPath, factory)
	if err != nil {
		return formatter.Fail("invalid database path", err)
	}

	registry := ambient.NewRegistry(ambient.WithLogger(opts.logger(cmd.ErrOrStderr())))
	ctx := ambient.WithExecution(commandContext(cmd))
	execution, _ := ambient.ExecutionFrom(ctx)
	scopeOpts := []ambient.Option{ambient.WithRegistry(registry), ambient.WithEndpoint(ep)}

	result := DemoResult{
		Database:  opts.DBPath,
		Execution: string(execution),
		Customers: []string{},
	}

	// The outer scope keeps one connection open across both units of work.
	err = ambient.Run(ctx, func(outer *ambient.Scope) error {
		result.Steps = append(result.Steps,
			demoStep("create table and insert Ada", ambient.RunAtomic(ctx, func(a *ambient.AtomicScope) error {
				if err := execTx(ctx, a, `CREATE TABLE IF NOT EXISTS customers (
					id INTEGER PRIMARY KEY,
					name TEXT NOT NULL UNIQUE
				)`); err != nil {
					return err
				}
				return ambient.RunAtomic(ctx, func(inner *ambient.AtomicScope) error {
					formatter.VerboseLog("nested scope depth=%d initiating=%t", inner.Depth(), inner.IsInitiatingOperation())
					return execTx(ctx, inner, `INSERT OR IGNORE INTO customers (name) VALUES (?)`, "Ada")
				}, scopeOpts...)
			}, scopeOpts...)))

		result.Steps = append(result.Steps,
			demoStep("insert Grace then duplicate Ada", ambient.RunAtomic(ctx, func(a *ambient.AtomicScope) error {
				if err := execTx(ctx, a, `INSERT INTO customers (name) VALUES (?)`, "Grace"); err != nil {
					return err
				}
				return ambient.RunAtomic(ctx, func(inner *ambient.AtomicScope) error {
					return execTx(ctx, inner, `INSERT INTO customers (name) VALUES (?)`, "Ada")
				}, scopeOpts...)
			}, scopeOpts...)))

		conn, err := outer.Connection(ctx)
		if err != nil {
			return err
		}
		names, err := listCustomers(ctx, conn)
		if err != nil {
			return err
		}
		result.Customers = names
		return nil
	}, scopeOpts...)
	if err != nil {
		return formatter.Fail("demo failed", err)
	}

	return formatter.Success(result)
}

func demoStep(name string, err error) DemoStep {
	step := DemoStep{Name: name, Committed: err == nil}
	if err != nil {
		step.Error = err.Error()
	}
	return step
}

func execTx(ctx context.Context, a *ambient.AtomicScope, query string, args ...any) error {
	tx, err := a.Transaction()
	if err != nil {
		return err
	}
	sqlTx, ok := tx.(*sqlconn.Tx)
	if !ok {
		return fmt.Errorf("unexpected transaction type %T", tx)
	}
	_, err = sqlTx.SQL().ExecContext(ctx, query, args...)
	return err
}

func listCustomers(ctx context.Context, conn driver.Conn) ([]string, error) {
	sqlConn, ok := conn.(*sqlconn.Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}

	rows, err := sqlConn.SQL().QueryContext(ctx, `SELECT name FROM customers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
