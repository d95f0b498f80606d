package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/gql"
)

// CompileError is a catalog error with its CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileString compiles catalog source. filename is used in positions.
func CompileString(src, filename string) (*Catalog, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// LoadDir compiles every .cue file in dir as one CUE instance. Files may
// omit the package clause.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("catalog: no CUE files in %s", dir)
	}

	instances := load.Instances(files, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("catalog: no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("catalog: loading %s: %w", dir, formatCUEError(inst.Err))
	}
	return Compile(cuecontext.New().BuildInstance(inst))
}

// Load compiles path, which may be a single .cue file or a directory.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return CompileString(string(src), path)
}

// Compile builds a catalog from an evaluated CUE value. Every problem found
// is reported, not only the first.
func Compile(v cue.Value) (*Catalog, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	c := &Catalog{operations: make(map[string]Operation)}
	var errs []error

	opsVal := v.LookupPath(cue.ParsePath("operation"))
	if !opsVal.Exists() {
		return nil, &CompileError{Field: "operation", Message: "at least one operation is required", Pos: v.Pos()}
	}
	iter, err := opsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		op, err := compileOperation(iter.Label(), iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.operations[op.Name] = op
	}

	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if rulesVal.Exists() {
		iter, err := rulesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			r, err := compileRule(iter.Label(), iter.Value())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			c.rules = append(c.rules, r)
		}
	}

	if len(errs) == 0 {
		errs = c.check(rulesVal)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func compileOperation(name string, v cue.Value) (Operation, error) {
	op := Operation{Name: name}

	kindStr, err := requiredString(v, "kind")
	if err != nil {
		return op, err
	}
	if op.Kind, err = gql.ParseKind(kindStr); err != nil {
		return op, &CompileError{Field: "operation." + name + ".kind", Message: err.Error(), Pos: v.LookupPath(cue.ParsePath("kind")).Pos()}
	}

	if op.Document, err = requiredString(v, "document"); err != nil {
		return op, err
	}
	if !strings.HasPrefix(strings.TrimSpace(op.Document), kindStr) {
		return op, &CompileError{
			Field:   "operation." + name + ".document",
			Message: fmt.Sprintf("document must start with %q", kindStr),
			Pos:     v.LookupPath(cue.ParsePath("document")).Pos(),
		}
	}

	if vars := v.LookupPath(cue.ParsePath("variables")); vars.Exists() {
		if op.Variables, err = objectValue(vars); err != nil {
			return op, err
		}
	}

	if tmpl := v.LookupPath(cue.ParsePath("optimistic")); tmpl.Exists() {
		if op.Kind != gql.KindMutation {
			return op, &CompileError{
				Field:   "operation." + name + ".optimistic",
				Message: "only mutations have optimistic templates",
				Pos:     tmpl.Pos(),
			}
		}
		if op.Optimistic, err = objectValue(tmpl); err != nil {
			return op, err
		}
	}
	return op, nil
}

func compileRule(id string, v cue.Value) (Rule, error) {
	r := Rule{ID: strings.Trim(id, `"`)}
	var err error
	if r.When, err = requiredString(v, "when"); err != nil {
		return r, err
	}
	if r.Target, err = requiredString(v, "target"); err != nil {
		return r, err
	}
	apply, err := requiredString(v, "apply")
	if err != nil {
		return r, err
	}
	r.Apply = engine.Strategy(apply)
	if r.List, err = optionalString(v, "list"); err != nil {
		return r, err
	}
	if r.Item, err = optionalString(v, "item"); err != nil {
		return r, err
	}
	if r.Key, err = optionalString(v, "key"); err != nil {
		return r, err
	}
	if refetch := v.LookupPath(cue.ParsePath("refetch")); refetch.Exists() {
		if r.Refetch, err = refetch.Bool(); err != nil {
			return r, formatCUEError(err)
		}
	}
	return r, nil
}

// check validates cross references between rules and operations.
func (c *Catalog) check(rulesVal cue.Value) []error {
	var errs []error
	for _, r := range c.rules {
		pos := rulesVal.LookupPath(cue.MakePath(cue.Str(r.ID))).Pos()
		field := "rule." + r.ID

		when, ok := c.operations[r.When]
		switch {
		case !ok:
			errs = append(errs, &CompileError{Field: field + ".when", Message: fmt.Sprintf("unknown operation %q", r.When), Pos: pos})
			continue
		case when.Kind == gql.KindQuery:
			errs = append(errs, &CompileError{Field: field + ".when", Message: fmt.Sprintf("%s is a query; rules are triggered by mutations and subscriptions", r.When), Pos: pos})
			continue
		}
		if _, ok := c.operations[r.Target]; !ok {
			errs = append(errs, &CompileError{Field: field + ".target", Message: fmt.Sprintf("unknown operation %q", r.Target), Pos: pos})
			continue
		}
		if err := c.engineRule(r).Validate(); err != nil {
			errs = append(errs, &CompileError{Field: field, Message: err.Error(), Pos: pos})
		}
	}
	return errs
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if strings.TrimSpace(s) == "" {
		return "", &CompileError{Field: field, Message: field + " must be non-empty", Pos: fv.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func objectValue(v cue.Value) (gql.Object, error) {
	val, err := toValue(v)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(gql.Object)
	if !ok {
		return nil, &CompileError{Field: "value", Message: "must be a struct", Pos: v.Pos()}
	}
	return obj, nil
}

// toValue converts a concrete CUE value. Floats are rejected.
func toValue(v cue.Value) (gql.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return gql.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return gql.String(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return gql.Int(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return gql.Bool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var out gql.List
		for iter.Next() {
			elem, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		if out == nil {
			out = gql.List{}
		}
		return out, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := gql.Object{}
		for iter.Next() {
			elem, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Label()] = elem
		}
		return out, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "value",
			Message: "float values are not supported, use int",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("unsupported or non-concrete value of kind %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// formatCUEError keeps the first CUE error with its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
