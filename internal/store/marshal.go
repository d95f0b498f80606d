package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/syncql/internal/gql"
)

// marshalPayload converts an Object to canonical JSON TEXT for storage.
// Canonical form keeps identical payloads byte-identical on disk.
func marshalPayload(payload gql.Object) string {
	if payload == nil {
		return "{}"
	}
	return string(gql.MarshalCanonical(payload))
}

// marshalNullablePayload maps a nil Object to SQL NULL.
func marshalNullablePayload(payload gql.Object) sql.NullString {
	if payload == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: marshalPayload(payload), Valid: true}
}

// unmarshalPayload parses canonical JSON TEXT to an Object.
func unmarshalPayload(data string) (gql.Object, error) {
	if data == "" || data == "{}" {
		return gql.Object{}, nil
	}
	obj, err := gql.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// unmarshalNullablePayload is the inverse of marshalNullablePayload.
func unmarshalNullablePayload(data sql.NullString) (gql.Object, error) {
	if !data.Valid {
		return nil, nil
	}
	return unmarshalPayload(data.String)
}

// marshalOperation encodes an operation for the pending queue.
func marshalOperation(op gql.Operation) (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}
	return string(data), nil
}

// unmarshalOperation decodes an operation and recomputes its fingerprint.
func unmarshalOperation(data string) (gql.Operation, error) {
	var op gql.Operation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return gql.Operation{}, fmt.Errorf("unmarshal operation: %w", err)
	}
	return op, nil
}
