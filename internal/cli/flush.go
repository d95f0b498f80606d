package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// FlushOutput is printed by the flush command.
type FlushOutput struct {
	Confirmed int `json:"confirmed"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay queued mutations",
		Long: `Replay queued mutations in order, each with its original token.

Confirmed mutations replace their optimistic results. Rejected ones are
rolled back. A network failure stops the flush and leaves the rest queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(cmd, rootOpts)
		},
	}
}

func runFlush(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	out := formatter(cmd, opts)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), needEngine)
	defer a.Close()
	if err != nil {
		return err
	}

	res, err := a.engine.Flush(ctx)
	if err != nil {
		_ = out.ReportError(err)
		return operationError(fmt.Sprintf("flush stopped with %d still queued", res.Remaining), err)
	}
	if err := a.engine.Wait(ctx); err != nil {
		return WrapExitError(ExitFailure, "deliver cache updates", err)
	}

	result := FlushOutput{Confirmed: res.Confirmed, Rejected: res.Rejected, Remaining: res.Remaining}
	if opts.Format == "json" {
		return out.Success(result)
	}
	fmt.Fprintf(out.Writer, "confirmed %d, rejected %d, remaining %d\n", result.Confirmed, result.Rejected, result.Remaining)
	return nil
}
