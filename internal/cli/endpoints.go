package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/opscope/internal/config"
	"github.com/roach88/opscope/internal/endpoint"
)

// EndpointInfo describes one configured connection.
type EndpointInfo struct {
	Name       string `json:"name"`
	Driver     string `json:"driver"`
	Connection string `json:"connection"`
	Default    bool   `json:"default,omitempty"`
	Identity   string `json:"identity,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EndpointsResult is the output of the endpoints command.
type EndpointsResult struct {
	Config    string         `json:"config"`
	Endpoints []EndpointInfo `json:"endpoints"`
}

func (r EndpointsResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Config: %s\n", r.Config)
	if len(r.Endpoints) == 0 {
		fmt.Fprintln(w, "No connections configured.")
		return
	}
	for _, e := range r.Endpoints {
		marker := " "
		if e.Default {
			marker = "*"
		}
		if e.Error != "" {
			fmt.Fprintf(w, "%s %s (%s) %s\n    error: %s\n", marker, e.Name, e.Driver, e.Connection, e.Error)
			continue
		}
		fmt.Fprintf(w, "%s %s (%s) %s [%s]\n", marker, e.Name, e.Driver, e.Connection, e.Identity)
	}
}

// NewEndpointsCommand creates the endpoints command.
func NewEndpointsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List configured connections",
		Long: `List the connections in the config file and resolve each one.

Resolution looks the driver up in the provider table and computes the
endpoint identity used to key operation contexts. Passwords in connection
strings are masked. The default connection is marked with "*".

Examples:
  opscope endpoints
  opscope endpoints --config ./opscope.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEndpoints(rootOpts, cmd)
		},
	}
}

func runEndpoints(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	path := opts.configPath()

	cfg, err := config.Load(path)
	if err != nil {
		return formatter.Fail(fmt.Sprintf("failed to load config %s", path), err)
	}

	result := EndpointsResult{
		Config:    path,
		Endpoints: make([]EndpointInfo, 0, len(cfg.Connections)),
	}

	providers := opts.providers()
	for i, conn := range cfg.Connections {
		info := EndpointInfo{
			Name:    conn.Name,
			Driver:  conn.Driver,
			Default: conn.Name == cfg.Default || (cfg.Default == "" && len(cfg.Connections) == 1 && i == 0),
		}

		ep, err := endpoint.FromConfig(cfg, conn.Name, providers)
		if err != nil {
			info.Connection = endpoint.Redact(conn.ConnectionString)
			info.Error = err.Error()
			formatter.VerboseLog("resolve %s: %v", conn.Name, err)
		} else {
			info.Connection = ep.Redacted()
			info.Identity = fmt.Sprintf("%016x", ep.IdentityHash())
		}
		result.Endpoints = append(result.Endpoints, info)
	}

	return formatter.Success(result)
}
