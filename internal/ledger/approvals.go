package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertApproval stores a submitted approval record.
func (s *Store) InsertApproval(ctx context.Context, record ApprovalRecord) error {
	dateAdded := record.DateAdded
	if dateAdded.IsZero() {
		dateAdded = s.now()
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO approvals (source_image_hash, selected_card_id, grade, price, date_added, record_ref, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.SourceImageHash, record.SelectedCardID, record.Grade, record.Price,
		dateAdded.UTC().Format(time.RFC3339Nano), nullableString(record.RecordRef), s.timestamp(),
	); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Approvals returns the approvals recorded for an image hash, oldest first.
func (s *Store) Approvals(ctx context.Context, hash string) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT source_image_hash, selected_card_id, grade, price, date_added, record_ref
         FROM approvals WHERE source_image_hash = ? ORDER BY id`, hash)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var records []ApprovalRecord
	for rows.Next() {
		var (
			rec       ApprovalRecord
			dateRaw   string
			recordRef sql.NullString
		)
		if err := rows.Scan(&rec.SourceImageHash, &rec.SelectedCardID, &rec.Grade, &rec.Price, &dateRaw, &recordRef); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if ts, err := parseTimeString(dateRaw); err == nil {
			rec.DateAdded = ts
		}
		rec.RecordRef = recordRef.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return records, nil
}
