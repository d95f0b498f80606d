package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncql/internal/catalog"
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Vars   string
	Policy string
}

// QueryOutput is one answer printed by the query command.
type QueryOutput struct {
	Source     string `json:"source"`
	Version    int64  `json:"version"`
	Optimistic bool   `json:"optimistic"`
	Data       any    `json:"data"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <operation>",
		Short: "Run a catalog query",
		Long: `Run a query from the catalog with the given fetch policy.

cache-and-network prints the cached answer (if any) before the network answer.
cache-only never touches the network. network-only skips the cache for the
read but still updates it.`,
		Example: `  syncql query ListTodos
  syncql query GetTodo --vars '{"id":"todo-1"}' --policy network-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Vars, "vars", "", "operation variables as a JSON object")
	cmd.Flags().StringVar(&opts.Policy, "policy", engine.CacheAndNetwork.String(), "fetch policy (cache-and-network|cache-only|network-only)")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, name string) error {
	ctx := cmd.Context()
	out := formatter(cmd, opts.RootOptions)

	policy, err := engine.ParseFetchPolicy(opts.Policy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --policy", err)
	}
	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), needEngine)
	defer a.Close()
	if err != nil {
		return err
	}
	op, err := buildOperation(a.catalog, name, vars, gql.KindQuery)
	if err != nil {
		return err
	}

	var answers []QueryOutput
	for r := range a.engine.Query(ctx, op, policy) {
		if r.Err != nil {
			_ = out.ReportError(r.Err)
			return operationError("query failed", r.Err)
		}
		answer := QueryOutput{
			Source:     string(r.Source),
			Version:    r.Version,
			Optimistic: r.Optimistic,
			Data:       gql.ToAny(r.Data),
		}
		if opts.Format == "json" {
			answers = append(answers, answer)
			continue
		}
		tag := answer.Source
		if answer.Optimistic {
			tag += ", optimistic"
		}
		fmt.Fprintf(out.Writer, "[%s v%d] %s\n", tag, answer.Version, gql.MarshalCanonical(r.Data))
	}
	if opts.Format == "json" {
		return out.Success(answers)
	}
	return nil
}

// parseVars decodes --vars. Empty means no variables.
func parseVars(raw string) (gql.Object, error) {
	if raw == "" {
		return nil, nil
	}
	vars, err := gql.DecodeObject([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --vars", err)
	}
	return vars, nil
}

// buildOperation resolves name in the catalog and checks its kind.
func buildOperation(cat *catalog.Catalog, name string, vars gql.Object, kind gql.Kind) (gql.Operation, error) {
	decl, ok := cat.Operation(name)
	if !ok {
		return gql.Operation{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown operation %q (known: %v)", name, cat.Names()))
	}
	if decl.Kind != kind {
		return gql.Operation{}, NewExitError(ExitCommandError, fmt.Sprintf("%s is a %s, not a %s", name, decl.Kind, kind))
	}
	return decl.Build(vars), nil
}
