package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay"
	mongoadapter "github.com/trickstertwo/xrelay/adapter/mongo"
)

// ProbeResult is the probe command output.
type ProbeResult struct {
	Topology string `json:"topology"`
	Mode     string `json:"mode"`
}

// NewProbeCommand creates the probe command.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report whether the store can stream changes",
		Long: `Run the capability probe against the configured MongoDB deployment and
report the watcher mode serve would start in.

Examples:
  xrelayd probe
  xrelayd probe --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runProbe(ctx, rootOpts, cmd)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "probe timeout")
	return cmd
}

func runProbe(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	store, err := mongoadapter.Connect(ctx, opts.Config.mongoConfig(), opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "connect mongo", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	topo, err := store.Probe(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "probe", err)
	}
	res := ProbeResult{Topology: topo.String(), Mode: xrelay.ModePolling.String()}
	if topo == xrelay.TopologyReplicated {
		res.Mode = xrelay.ModeStreaming.String()
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), res)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "topology: %s\nmode:     %s\n", res.Topology, res.Mode)
	return err
}
