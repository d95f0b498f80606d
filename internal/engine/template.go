package engine

import (
	"strings"

	"github.com/roach88/syncql/internal/gql"
)

// Template placeholders for optimistic payloads. A string leaf equal to
// TemplateToken becomes the mutation's idempotency token; a leaf starting
// with TemplateVarPrefix becomes the variable at the remaining dotted path
// (Null when absent).
const (
	TemplateToken     = "$token"
	TemplateVarPrefix = "$vars."
)

// resolveTemplate fills in a template. A nil template yields nil.
func resolveTemplate(tmpl gql.Object, token string, vars gql.Object) gql.Object {
	if tmpl == nil {
		return nil
	}
	out, _ := resolveValue(tmpl, token, vars).(gql.Object)
	return out
}

func resolveValue(v gql.Value, token string, vars gql.Object) gql.Value {
	switch val := v.(type) {
	case gql.String:
		s := string(val)
		switch {
		case s == TemplateToken:
			return gql.String(token)
		case strings.HasPrefix(s, TemplateVarPrefix):
			if found, ok := vars.Lookup(strings.TrimPrefix(s, TemplateVarPrefix)); ok {
				return found
			}
			return gql.Null{}
		}
		return val
	case gql.Object:
		out := make(gql.Object, len(val))
		for k, child := range val {
			out[k] = resolveValue(child, token, vars)
		}
		return out
	case gql.List:
		out := make(gql.List, len(val))
		for i, child := range val {
			out[i] = resolveValue(child, token, vars)
		}
		return out
	}
	return v
}
