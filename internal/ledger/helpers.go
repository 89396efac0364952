package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

const scanColumns = "id, image_hash, original_file_name, full_image_url, label_image_url, status, ocr_text, certification_number, extracted_json, selected_card_id, needs_review, review_reason, error_message, retryable, restitch_attempts, created_at, updated_at"

type rowScanner interface{ Scan(dest ...any) error }

func scanScan(scanner rowScanner) (*Scan, error) {
	var (
		id               int64
		imageHash        string
		originalFileName string
		fullImageURL     sql.NullString
		labelImageURL    sql.NullString
		statusStr        string
		ocrText          sql.NullString
		certNumber       sql.NullString
		extractedJSON    sql.NullString
		selectedCardID   sql.NullString
		needsReview      sql.NullInt64
		reviewReason     sql.NullString
		errorMessage     sql.NullString
		retryable        sql.NullInt64
		restitchAttempts sql.NullInt64
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&imageHash,
		&originalFileName,
		&fullImageURL,
		&labelImageURL,
		&statusStr,
		&ocrText,
		&certNumber,
		&extractedJSON,
		&selectedCardID,
		&needsReview,
		&reviewReason,
		&errorMessage,
		&retryable,
		&restitchAttempts,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	scan := &Scan{
		ID:                  id,
		ImageHash:           imageHash,
		OriginalFileName:    originalFileName,
		FullImageURL:        fullImageURL.String,
		LabelImageURL:       labelImageURL.String,
		Status:              Status(statusStr),
		OCRText:             ocrText.String,
		CertificationNumber: certNumber.String,
		SelectedCardID:      selectedCardID.String,
		NeedsReview:         needsReview.Valid && needsReview.Int64 != 0,
		ReviewReason:        reviewReason.String,
		ErrorMessage:        errorMessage.String,
		Retryable:           retryable.Valid && retryable.Int64 != 0,
		RestitchAttempts:    int(restitchAttempts.Int64),
	}
	if extractedJSON.Valid && extractedJSON.String != "" {
		var data ExtractedData
		if err := json.Unmarshal([]byte(extractedJSON.String), &data); err == nil {
			scan.Extracted = &data
		}
	}
	if createdRaw.Valid {
		if ts, err := parseTimeString(createdRaw.String); err == nil {
			scan.CreatedAt = ts
		}
	}
	if updatedRaw.Valid {
		if ts, err := parseTimeString(updatedRaw.String); err == nil {
			scan.UpdatedAt = ts
		}
	}
	return scan, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

// MemberKey returns the canonical key for a member set: the deduplicated,
// sorted hashes joined with commas.
func MemberKey(hashes []string) string {
	return strings.Join(NormalizeHashes(hashes), ",")
}

// NormalizeHashes trims, deduplicates and sorts image hashes.
func NormalizeHashes(hashes []string) []string {
	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		hash = strings.ToLower(strings.TrimSpace(hash))
		if hash == "" {
			continue
		}
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

func stringArgs(values []string) []any {
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
