package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
)

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	Vars         string
	Token        string
	NoOptimistic bool
}

// MutateOutput is printed by the mutate command.
type MutateOutput struct {
	Token  string `json:"token"`
	State  string `json:"state"`
	Queued bool   `json:"queued"`
	Data   any    `json:"data,omitempty"`
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <operation>",
		Short: "Run a catalog mutation",
		Long: `Run a mutation from the catalog.

If the server cannot be reached the mutation is queued in the local database
and its optimistic result is applied to cached queries. Run "syncql flush"
later to replay it. Reusing --token makes a retry idempotent.`,
		Example: `  syncql mutate CreateTodo --vars '{"input":{"name":"Use AppSync"}}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Vars, "vars", "", "operation variables as a JSON object")
	cmd.Flags().StringVar(&opts.Token, "token", "", "idempotency token (default: generated)")
	cmd.Flags().BoolVar(&opts.NoOptimistic, "no-optimistic", false, "do not apply the catalog's optimistic template")

	return cmd
}

func runMutate(cmd *cobra.Command, opts *MutateOptions, name string) error {
	ctx := cmd.Context()
	out := formatter(cmd, opts.RootOptions)

	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), needEngine)
	defer a.Close()
	if err != nil {
		return err
	}
	op, err := buildOperation(a.catalog, name, vars, gql.KindMutation)
	if err != nil {
		return err
	}

	var mopts []engine.MutateOption
	if opts.Token != "" {
		mopts = append(mopts, engine.WithToken(opts.Token))
	}
	if opts.NoOptimistic {
		mopts = append(mopts, engine.WithoutOptimistic())
	}

	res, err := a.engine.Mutate(ctx, op, mopts...)
	if err != nil {
		_ = out.ReportError(err)
		return operationError("mutation failed", err)
	}
	if err := a.engine.Wait(ctx); err != nil {
		return WrapExitError(ExitFailure, "deliver cache updates", err)
	}

	result := MutateOutput{Token: res.Token, State: res.State, Queued: res.Queued}
	if res.Data != nil {
		result.Data = gql.ToAny(res.Data)
	}
	if opts.Format == "json" {
		return out.Success(result)
	}
	if res.Queued {
		fmt.Fprintf(out.Writer, "queued %s (token %s); run \"syncql flush\" when online\n", name, res.Token)
		return nil
	}
	fmt.Fprintf(out.Writer, "%s %s (token %s)\n%s\n", name, res.State, res.Token, gql.MarshalCanonical(res.Data))
	return nil
}
