package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NewScan describes a scan accepted by the remote upload.
type NewScan struct {
	ImageHash        string
	OriginalFileName string
	FullImageURL     string
}

// InsertScan records an uploaded scan in StatusUploaded.
func (s *Store) InsertScan(ctx context.Context, scan NewScan) (*Scan, error) {
	hash := strings.ToLower(strings.TrimSpace(scan.ImageHash))
	if hash == "" {
		return nil, errors.New("insert scan: image hash required")
	}
	now := s.timestamp()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO scans (image_hash, original_file_name, full_image_url, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		hash,
		scan.OriginalFileName,
		nullableString(scan.FullImageURL),
		StatusUploaded,
		now,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("insert scan %s: %w", hash, ErrDuplicateHash)
		}
		return nil, fmt.Errorf("insert scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetScan(ctx, id)
}

// GetScan fetches a scan by ID.
func (s *Store) GetScan(ctx context.Context, id int64) (*Scan, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	scan, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return scan, nil
}

// GetByHash fetches a scan by image hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*Scan, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+scanColumns+` FROM scans WHERE image_hash = ?`, hash)
	scan, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan by hash: %w", err)
	}
	return scan, nil
}

// ScansByHash returns the scans for the given hashes keyed by hash. Missing
// hashes are absent from the map.
func (s *Store) ScansByHash(ctx context.Context, hashes []string) (map[string]*Scan, error) {
	hashes = NormalizeHashes(hashes)
	out := make(map[string]*Scan, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	query := `SELECT ` + scanColumns + ` FROM scans WHERE image_hash IN (` + makePlaceholders(len(hashes)) + `)`
	scans, err := s.queryScans(ctx, query, stringArgs(hashes)...)
	if err != nil {
		return nil, err
	}
	for _, scan := range scans {
		out[scan.ImageHash] = scan
	}
	return out, nil
}

// ScansByID returns the scans for the given IDs in the requested order.
// Unknown IDs are skipped.
func (s *Store) ScansByID(ctx context.Context, ids []int64) ([]*Scan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	scans, err := s.queryScans(ctx, `SELECT `+scanColumns+` FROM scans WHERE id IN (`+makePlaceholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*Scan, len(scans))
	for _, scan := range scans {
		byID[scan.ID] = scan
	}
	ordered := make([]*Scan, 0, len(ids))
	for _, id := range ids {
		if scan, ok := byID[id]; ok {
			ordered = append(ordered, scan)
		}
	}
	return ordered, nil
}

// ListByStatus returns scans in any of the given statuses ordered by ID.
// No statuses lists every scan.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY id`
	return s.queryScans(ctx, query, args...)
}

// ListNeedsReview returns scans flagged for operator review.
func (s *Store) ListNeedsReview(ctx context.Context) ([]*Scan, error) {
	return s.queryScans(ctx, `SELECT `+scanColumns+` FROM scans WHERE needs_review = 1 ORDER BY id`)
}

func (s *Store) queryScans(ctx context.Context, query string, args ...any) ([]*Scan, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var scans []*Scan
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return scans, nil
}

// ScanUpdate lists optional column writes applied together with a status
// compare-and-set. Nil fields are left untouched.
type ScanUpdate struct {
	LabelImageURL       *string
	OCRText             *string
	CertificationNumber *string
	Extracted           *ExtractedData
	SelectedCardID      *string
	NeedsReview         *bool
	ReviewReason        *string
	ErrorMessage        *string
	Retryable           *bool
	RestitchAttempts    *int
}

func (u ScanUpdate) assignments() ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if u.LabelImageURL != nil {
		add("label_image_url", nullableString(*u.LabelImageURL))
	}
	if u.OCRText != nil {
		add("ocr_text", nullableString(*u.OCRText))
	}
	if u.CertificationNumber != nil {
		add("certification_number", nullableString(*u.CertificationNumber))
	}
	if u.Extracted != nil {
		data, err := json.Marshal(u.Extracted)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal extracted data: %w", err)
		}
		add("extracted_json", string(data))
	}
	if u.SelectedCardID != nil {
		add("selected_card_id", nullableString(*u.SelectedCardID))
	}
	if u.NeedsReview != nil {
		add("needs_review", boolToInt(*u.NeedsReview))
	}
	if u.ReviewReason != nil {
		add("review_reason", nullableString(*u.ReviewReason))
	}
	if u.ErrorMessage != nil {
		add("error_message", nullableString(*u.ErrorMessage))
	}
	if u.Retryable != nil {
		add("retryable", boolToInt(*u.Retryable))
	}
	if u.RestitchAttempts != nil {
		add("restitch_attempts", *u.RestitchAttempts)
	}
	return sets, args, nil
}

// Advance moves a scan from one status to the next and applies the update
// in the same statement. The edge must be in StatusTable. When the scan was
// deleted or is no longer in the expected status the write fails with
// ErrStale.
func (s *Store) Advance(ctx context.Context, id int64, from, to Status, update ScanUpdate) error {
	if err := StatusTable.Check(from, to); err != nil {
		return fmt.Errorf("advance scan %d: %w", id, err)
	}
	return s.compareAndSet(ctx, id, from, to, update)
}

// Annotate applies an update to a scan that must still be in the expected
// status, without changing status.
func (s *Store) Annotate(ctx context.Context, id int64, expected Status, update ScanUpdate) error {
	return s.compareAndSet(ctx, id, expected, expected, update)
}

func (s *Store) compareAndSet(ctx context.Context, id int64, from, to Status, update ScanUpdate) error {
	sets, args, err := update.assignments()
	if err != nil {
		return err
	}
	sets = append([]string{"status = ?"}, sets...)
	sets = append(sets, "updated_at = ?")
	args = append([]any{to}, args...)
	args = append(args, s.timestamp(), id, from)

	res, err := s.execWithRetry(ctx, `UPDATE scans SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("update scan %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("scan %d expected %s: %w", id, from, ErrStale)
	}
	return nil
}

// DeleteScans removes scans and their matches, recording one audit entry
// per deleted scan. It returns the number of rows removed.
func (s *Store) DeleteScans(ctx context.Context, ids []int64, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		removed = 0
		for _, id := range ids {
			var hash string
			err := tx.QueryRowContext(ctx, `SELECT image_hash FROM scans WHERE id = ?`, id).Scan(&hash)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM stitched_members WHERE image_hash = ?`, hash); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
			if err := s.auditTx(ctx, tx, "delete_scan", hash, reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete scans: %w", err)
	}
	return removed, nil
}
