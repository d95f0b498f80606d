package gql

import (
	"encoding/json"
	"fmt"
)

// Kind distinguishes the three GraphQL operation types.
type Kind int

const (
	// KindQuery is a read that may be served from cache.
	KindQuery Kind = iota + 1
	// KindMutation is a write with server-side effects.
	KindMutation
	// KindSubscription is a long-lived event stream.
	KindSubscription
)

// String returns the GraphQL keyword for the kind.
func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	case KindSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "query":
		return KindQuery, nil
	case "mutation":
		return KindMutation, nil
	case "subscription":
		return KindSubscription, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// Operation is a named GraphQL request. It is immutable: constructors copy
// the variables and accessors return copies.
type Operation struct {
	kind        Kind
	name        string
	document    string
	variables   Object
	fingerprint string
}

// NewOperation builds an operation and computes its fingerprint.
func NewOperation(kind Kind, name, document string, variables Object) Operation {
	vars := variables.Clone()
	if vars == nil {
		vars = Object{}
	}
	op := Operation{
		kind:      kind,
		name:      name,
		document:  document,
		variables: vars,
	}
	op.fingerprint = Fingerprint(kind, name, vars)
	return op
}

// NewQuery is shorthand for NewOperation(KindQuery, ...).
func NewQuery(name, document string, variables Object) Operation {
	return NewOperation(KindQuery, name, document, variables)
}

// NewMutation is shorthand for NewOperation(KindMutation, ...).
func NewMutation(name, document string, variables Object) Operation {
	return NewOperation(KindMutation, name, document, variables)
}

// NewSubscription is shorthand for NewOperation(KindSubscription, ...).
func NewSubscription(name, document string, variables Object) Operation {
	return NewOperation(KindSubscription, name, document, variables)
}

// Kind returns the operation type.
func (o Operation) Kind() Kind { return o.kind }

// Name returns the operation name.
func (o Operation) Name() string { return o.name }

// Document returns the GraphQL document text.
func (o Operation) Document() string { return o.document }

// Fingerprint returns the cache and deduplication key.
func (o Operation) Fingerprint() string { return o.fingerprint }

// Variables returns a copy of the variables.
func (o Operation) Variables() Object { return o.variables.Clone() }

// Variable resolves a dotted path inside the variables.
func (o Operation) Variable(path string) (Value, bool) { return o.variables.Lookup(path) }

// IsZero reports whether o is the zero Operation.
func (o Operation) IsZero() bool { return o.kind == 0 && o.name == "" }

// WithVariables returns a copy of o with a new variable set.
func (o Operation) WithVariables(vars Object) Operation {
	return NewOperation(o.kind, o.name, o.document, vars)
}

// String renders the operation for logs.
func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.kind, o.name)
}

type operationJSON struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Document  string `json:"document"`
	Variables Object `json:"variables"`
}

// MarshalJSON encodes the operation for durable storage.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(operationJSON{
		Kind:      o.kind.String(),
		Name:      o.name,
		Document:  o.document,
		Variables: o.variables,
	})
}

// UnmarshalJSON decodes an operation and recomputes its fingerprint.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := ParseKind(raw.Kind)
	if err != nil {
		return err
	}
	*o = NewOperation(kind, raw.Name, raw.Document, raw.Variables)
	return nil
}
