package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	syncer "bisync/internal/sync"
)

func newOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sync pass and exit",
		Long: `Run a single sync pass and exit. Ctrl-C aborts the pass: transfers
already running finish, nothing new starts, and the journal keeps every
completed item. The exit status is non-zero unless the pass completed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := a.runOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
			if res.Status != syncer.StateDone {
				return fmt.Errorf("sync %s: %w", res.Status, res.Err())
			}
			return nil
		},
	}
}

func (a *app) runOnce(ctx context.Context) (*syncer.Result, error) {
	events, err := a.orch.StartSync(ctx)
	if err != nil {
		return nil, err
	}
	rep := &reporter{log: slog.Default(), recorder: a.recorder}
	var res *syncer.Result
	for ev := range events {
		rep.observe(ev)
		if f, ok := ev.(syncer.Finished); ok {
			res = f.Result
		}
	}
	return res, nil
}
