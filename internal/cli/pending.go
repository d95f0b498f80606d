package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// PendingOutput describes one queued mutation.
type PendingOutput struct {
	Token     string    `json:"token"`
	Seq       int64     `json:"seq"`
	Operation string    `json:"operation"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued mutations",
		Long: `List mutations waiting in the local database, in replay order.

Reads the database only: no endpoint or credentials are needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd, rootOpts)
		},
	}
}

func runPending(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	out := formatter(cmd, opts)

	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), needStore)
	defer a.Close()
	if err != nil {
		return err
	}

	queued, err := a.store.ListPending(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "list pending mutations", err)
	}
	rows := make([]PendingOutput, 0, len(queued))
	for _, pm := range queued {
		rows = append(rows, PendingOutput{
			Token:     pm.Token,
			Seq:       pm.Seq,
			Operation: pm.Operation.Name(),
			Attempts:  pm.Attempts,
			LastError: pm.LastError,
			CreatedAt: pm.CreatedAt,
		})
	}

	if opts.Format == "json" {
		return out.Success(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out.Writer, "no queued mutations")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTOKEN\tOPERATION\tATTEMPTS\tLAST ERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.Seq, r.Token, r.Operation, r.Attempts, r.LastError)
	}
	return tw.Flush()
}
