package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *Store) auditTx(ctx context.Context, tx *sql.Tx, operation, subject, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (operation, subject, detail, created_at) VALUES (?, ?, ?, ?)`,
		operation, subject, nullableString(detail), s.timestamp())
	return err
}

// Audit records an entry outside a ledger mutation, for example a remote
// deletion the ledger only mirrors.
func (s *Store) Audit(ctx context.Context, operation, subject, detail string) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO audit_log (operation, subject, detail, created_at) VALUES (?, ?, ?, ?)`,
		operation, subject, nullableString(detail), s.timestamp()); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// AuditLog returns the most recent entries, newest first. A non-positive
// limit returns every entry.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	query := `SELECT id, operation, subject, detail, created_at FROM audit_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry      AuditEntry
			detail     sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.Operation, &entry.Subject, &detail, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Detail = detail.String
		if ts, err := parseTimeString(createdRaw); err == nil {
			entry.CreatedAt = ts
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}
