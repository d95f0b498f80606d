package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncql/internal/catalog"
)

// ValidationIssue is one catalog problem.
type ValidationIssue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// OperationSummary describes one declared operation.
type OperationSummary struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Optimistic bool   `json:"optimistic,omitempty"`
}

// RuleSummary describes one declared cache-update rule.
type RuleSummary struct {
	ID     string `json:"id"`
	When   string `json:"when"`
	Target string `json:"target"`
	Apply  string `json:"apply"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool               `json:"valid"`
	Errors     []ValidationIssue  `json:"errors,omitempty"`
	Operations []OperationSummary `json:"operations,omitempty"`
	Rules      []RuleSummary      `json:"rules,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog]",
		Short: "Validate an operation catalog",
		Long: `Compile a CUE operation catalog and report every problem found.

The catalog is a .cue file or a directory of them. Without an argument the
configured catalog is checked, or the built-in Todo catalog if none is set.`,
		Example: `  syncql validate ./catalog
  syncql validate ./catalog/todo.cue --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runValidate(cmd, rootOpts, args[0])
			}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return runValidate(cmd, rootOpts, cfg.Catalog)
		},
	}
}

func runValidate(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := formatter(cmd, opts)
	if path != "" {
		out.VerboseLog("Validating %s", path)
	} else {
		out.VerboseLog("Validating built-in Todo catalog")
	}

	cat, err := loadCatalog(path)
	if err != nil {
		result := ValidationResult{Valid: false, Errors: validationIssues(err)}
		if opts.Format == "json" {
			if err := out.Success(result); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out.Writer, "✗ catalog has %d error(s)\n", len(result.Errors))
			for _, issue := range result.Errors {
				fmt.Fprintf(out.Writer, "  %s\n", issue)
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("catalog has %d error(s)", len(result.Errors)))
	}

	result := ValidationResult{Valid: true}
	for _, name := range cat.Names() {
		op, _ := cat.Operation(name)
		result.Operations = append(result.Operations, OperationSummary{
			Name:       op.Name,
			Kind:       op.Kind.String(),
			Optimistic: op.Optimistic != nil,
		})
	}
	for _, r := range cat.Rules() {
		result.Rules = append(result.Rules, RuleSummary{ID: r.ID, When: r.When, Target: r.Target, Apply: string(r.Apply)})
	}

	if opts.Format == "json" {
		return out.Success(result)
	}
	fmt.Fprintf(out.Writer, "✓ catalog is valid: %d operations, %d rules\n", len(result.Operations), len(result.Rules))
	for _, op := range result.Operations {
		marker := ""
		if op.Optimistic {
			marker = " (optimistic)"
		}
		fmt.Fprintf(out.Writer, "  %-12s %s%s\n", op.Kind, op.Name, marker)
	}
	for _, r := range result.Rules {
		fmt.Fprintf(out.Writer, "  rule %s: %s -> %s (%s)\n", r.ID, r.When, r.Target, r.Apply)
	}
	return nil
}

func (i ValidationIssue) String() string {
	switch {
	case i.Line > 0:
		return fmt.Sprintf("%s:%d: %s: %s", i.File, i.Line, i.Field, i.Message)
	case i.Field != "":
		return fmt.Sprintf("%s: %s", i.Field, i.Message)
	}
	return i.Message
}

// validationIssues flattens joined compile errors.
func validationIssues(err error) []ValidationIssue {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ValidationIssue
		for _, e := range joined.Unwrap() {
			out = append(out, validationIssues(e)...)
		}
		return out
	}
	var ce *catalog.CompileError
	if errors.As(err, &ce) {
		issue := ValidationIssue{Field: ce.Field, Message: ce.Message}
		if ce.Pos.IsValid() {
			issue.File = ce.Pos.Filename()
			issue.Line = ce.Pos.Line()
		}
		return []ValidationIssue{issue}
	}
	return []ValidationIssue{{Message: err.Error()}}
}
