package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/syncql/internal/gql"
)

// PendingMutation is a mutation written ahead of dispatch. It stays in the
// queue until the server acknowledges it or rejects it permanently.
type PendingMutation struct {
	// Token is the idempotency key. Every attempt sends the same token.
	Token string

	// Seq orders replay. Assigned by Enqueue.
	Seq int64

	Operation gql.Operation

	// Optimistic is the resolved optimistic payload, if the mutation had one.
	Optimistic gql.Object

	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Enqueue writes a pending mutation and returns it with Seq assigned.
// Enqueueing a token twice is idempotent: the existing row is returned and
// inserted is false.
func (s *Store) Enqueue(ctx context.Context, pm PendingMutation) (stored PendingMutation, inserted bool, err error) {
	if pm.Token == "" {
		return PendingMutation{}, false, fmt.Errorf("enqueue mutation: empty token")
	}
	opJSON, err := marshalOperation(pm.Operation)
	if err != nil {
		return PendingMutation{}, false, fmt.Errorf("enqueue mutation: %w", err)
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PendingMutation{}, false, fmt.Errorf("enqueue mutation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO pending_mutations
		(token, operation, optimistic, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING
	`,
		pm.Token,
		opJSON,
		marshalNullablePayload(pm.Optimistic),
		pm.Attempts,
		pm.LastError,
		pm.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return PendingMutation{}, false, fmt.Errorf("enqueue mutation: insert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return PendingMutation{}, false, fmt.Errorf("enqueue mutation: rows affected: %w", err)
	}

	if rows > 0 {
		if pm.Seq, err = result.LastInsertId(); err != nil {
			return PendingMutation{}, false, fmt.Errorf("enqueue mutation: last insert id: %w", err)
		}
		stored, inserted = pm, true
	} else {
		row := tx.QueryRowContext(ctx, pendingColumns+` WHERE token = ?`, pm.Token)
		if stored, err = scanPending(row); err != nil {
			return PendingMutation{}, false, fmt.Errorf("enqueue mutation: select existing: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return PendingMutation{}, false, fmt.Errorf("enqueue mutation: commit: %w", err)
	}
	return stored, inserted, nil
}

// Dequeue removes a pending mutation. removed is true only for the call that
// actually deleted the row, so concurrent completions cannot both claim it.
func (s *Store) Dequeue(ctx context.Context, token string) (removed bool, err error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("dequeue mutation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dequeue mutation: rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListPending returns every pending mutation in replay order.
// Returns an empty slice (not nil) when the queue is empty.
func (s *Store) ListPending(ctx context.Context) ([]PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx, pendingColumns+` ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	pending := []PendingMutation{}
	for rows.Next() {
		pm, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		pending = append(pending, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending: iterate: %w", err)
	}
	return pending, nil
}

// GetPending returns a single pending mutation by token.
func (s *Store) GetPending(ctx context.Context, token string) (PendingMutation, bool, error) {
	pm, err := scanPending(s.db.QueryRowContext(ctx, pendingColumns+` WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return PendingMutation{}, false, nil
	}
	if err != nil {
		return PendingMutation{}, false, fmt.Errorf("get pending: %w", err)
	}
	return pm, true, nil
}

// RecordAttempt increments the attempt counter and stores the last error
// (empty when cause is nil).
func (s *Store) RecordAttempt(ctx context.Context, token string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET attempts = attempts + 1, last_error = ?
		WHERE token = ?
	`, msg, token); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

const pendingColumns = `
	SELECT seq, token, operation, optimistic, attempts, last_error, created_at
	FROM pending_mutations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (PendingMutation, error) {
	var (
		pm         PendingMutation
		opJSON     string
		optimistic sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&pm.Seq, &pm.Token, &opJSON, &optimistic, &pm.Attempts, &pm.LastError, &createdAt); err != nil {
		return PendingMutation{}, err
	}

	op, err := unmarshalOperation(opJSON)
	if err != nil {
		return PendingMutation{}, err
	}
	pm.Operation = op
	if pm.Optimistic, err = unmarshalNullablePayload(optimistic); err != nil {
		return PendingMutation{}, err
	}
	pm.CreatedAt = time.UnixMilli(createdAt)
	return pm, nil
}
