package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/sqlitedlq"
)

// DLQOptions holds flags shared by the dlq subcommands.
type DLQOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DLQOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered messages",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the dead-letter SQLite log (defaults to dlq.path)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQList(cmd, opts)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 50, "maximum records to show (0 for all)")

	replay := &cobra.Command{
		Use:   "replay <seq>",
		Short: "Publish a dead letter again through the configured transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid sequence number", err)
			}
			return runDLQReplay(cmd, opts, seq)
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func (o *DLQOptions) open() (*sqlitedlq.Store, error) {
	path := o.Database
	if path == "" {
		path = o.Config.DLQ.Path
	}
	if path == "" {
		return nil, WrapExitError(ExitCommandError, "no dead-letter log", fmt.Errorf("set --db or dlq.path"))
	}
	s, err := sqlitedlq.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open dead-letter log", err)
	}
	return s, nil
}

func runDLQList(cmd *cobra.Command, opts *DLQOptions) error {
	store, err := opts.open()
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List(cmd.Context(), opts.Limit)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		if recs == nil {
			recs = []sqlitedlq.Record{}
		}
		return printJSON(cmd.OutOrStdout(), recs)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tCHANNEL\tATTEMPTS\tFAILED AT\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			r.Seq, r.ID, r.Channel, r.Attempts, r.FailedAt.Format(time.RFC3339), r.LastError)
	}
	return tw.Flush()
}

// runDLQReplay publishes one record through a short-lived queue that writes
// failures back to the same log.
func runDLQReplay(cmd *cobra.Command, opts *DLQOptions, seq int64) error {
	store, err := opts.open()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := xrelay.NewTransport(opts.Config.Transport.Name, opts.Config.Transport.Options)
	if err != nil {
		return WrapExitError(ExitCommandError, "open transport", err)
	}
	ctx := cmd.Context()
	defer func() { _ = tr.Close(context.WithoutCancel(ctx)) }()

	q := xrelay.NewQueue(tr, xrelay.QueueConfig{
		Batch:       xrelay.BatchConfig{MaxSize: 1, MaxTime: time.Millisecond},
		MaxAttempts: opts.Config.Queue.MaxAttempts,
		DeadLetters: store,
		Logger:      opts.Logger,
	})
	replayErr := store.Replay(ctx, seq, q)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Config.ShutdownTimeout)
	defer cancel()
	if err := q.Close(cctx); err != nil {
		return err
	}
	if replayErr != nil {
		return WrapExitError(ExitFailure, "replay", replayErr)
	}
	if st := q.Stats(); st.Published == 0 {
		return WrapExitError(ExitFailure, "replay", fmt.Errorf("message %d dead-lettered again", seq))
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d\n", seq)
	return err
}
