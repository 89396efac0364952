package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewStitchedLabel describes a label produced by the stitch operation.
type NewStitchedLabel struct {
	MemberImageHashes []string
	StitchedImageURL  string
	IsDuplicate       bool
}

// InsertStitched records a stitched label and its member set. A second
// non-duplicate label for the same member set is rejected.
func (s *Store) InsertStitched(ctx context.Context, label NewStitchedLabel) (*StitchedLabel, error) {
	members := NormalizeHashes(label.MemberImageHashes)
	if len(members) == 0 {
		return nil, errors.New("insert stitched label: members required")
	}
	id := ulid.Make().String()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stitched_labels (id, member_key, stitched_image_url, is_duplicate, created_at)
             VALUES (?, ?, ?, ?, ?)`,
			id, strings.Join(members, ","), nullableString(label.StitchedImageURL), boolToInt(label.IsDuplicate), s.timestamp(),
		); err != nil {
			return err
		}
		for _, hash := range members {
			if _, err := tx.ExecContext(ctx, `INSERT INTO stitched_members (label_id, image_hash) VALUES (?, ?)`, id, hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert stitched label: %w", err)
	}
	return s.GetStitched(ctx, id)
}

// GetStitched fetches a stitched label by ID.
func (s *Store) GetStitched(ctx context.Context, id string) (*StitchedLabel, error) {
	labels, err := s.queryStitched(ctx, `WHERE l.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("stitched label %s: %w", id, ErrNotFound)
	}
	return labels[0], nil
}

// ListStitched returns every stitched label, oldest first.
func (s *Store) ListStitched(ctx context.Context) ([]*StitchedLabel, error) {
	return s.queryStitched(ctx, ``)
}

// StitchedForHashes returns every label whose member set intersects the
// given hashes.
func (s *Store) StitchedForHashes(ctx context.Context, hashes []string) ([]*StitchedLabel, error) {
	hashes = NormalizeHashes(hashes)
	if len(hashes) == 0 {
		return nil, nil
	}
	where := `WHERE l.id IN (SELECT label_id FROM stitched_members WHERE image_hash IN (` + makePlaceholders(len(hashes)) + `))`
	return s.queryStitched(ctx, where, stringArgs(hashes)...)
}

func (s *Store) queryStitched(ctx context.Context, where string, args ...any) ([]*StitchedLabel, error) {
	query := `SELECT l.id, l.member_key, l.stitched_image_url, l.is_duplicate, l.ocr_text, l.ocr_completed, l.created_at
        FROM stitched_labels l ` + where + ` ORDER BY l.created_at, l.id`
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stitched labels: %w", err)
	}
	defer rows.Close()

	var labels []*StitchedLabel
	for rows.Next() {
		var (
			label      StitchedLabel
			memberKey  string
			url        sql.NullString
			duplicate  int
			ocrText    sql.NullString
			completed  int
			createdRaw string
		)
		if err := rows.Scan(&label.ID, &memberKey, &url, &duplicate, &ocrText, &completed, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan stitched label: %w", err)
		}
		if memberKey != "" {
			label.MemberImageHashes = strings.Split(memberKey, ",")
		}
		label.StitchedImageURL = url.String
		label.IsDuplicate = duplicate != 0
		label.OCRText = ocrText.String
		label.OCRCompleted = completed != 0
		if ts, err := parseTimeString(createdRaw); err == nil {
			label.CreatedAt = ts
		}
		labels = append(labels, &label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stitched labels: %w", err)
	}
	return labels, nil
}

// SetStitchedOCR stores the OCR text for a label and marks it complete.
func (s *Store) SetStitchedOCR(ctx context.Context, id, text string) error {
	res, err := s.execWithRetry(ctx, `UPDATE stitched_labels SET ocr_text = ?, ocr_completed = 1 WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("set stitched ocr: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stitched label %s: %w", id, ErrStale)
	}
	return nil
}

// DeleteStitched removes a label and records the deletion in the audit log.
func (s *Store) DeleteStitched(ctx context.Context, id, reason string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var memberKey string
		err := tx.QueryRowContext(ctx, `SELECT member_key FROM stitched_labels WHERE id = ?`, id).Scan(&memberKey)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("stitched label %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stitched_members WHERE label_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stitched_labels WHERE id = ?`, id); err != nil {
			return err
		}
		detail := "members=" + memberKey
		if reason != "" {
			detail = reason + "; " + detail
		}
		return s.auditTx(ctx, tx, "delete_stitched", id, detail)
	})
	if err != nil {
		return fmt.Errorf("delete stitched label: %w", err)
	}
	return nil
}
