package ledger

import (
	"context"
	"fmt"
)

// Summary returns scan counts per status, the needs-review count and the
// number of stitched labels.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	ctx = ensureContext(ctx)
	summary := Summary{ByStatus: make(map[Status]int, len(allStatuses))}
	for _, status := range allStatuses {
		summary.ByStatus[status] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scans GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("summary query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Summary{}, fmt.Errorf("summary scan: %w", err)
		}
		summary.ByStatus[Status(status)] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("summary iterate: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans WHERE needs_review = 1`).Scan(&summary.NeedsReview); err != nil {
		return Summary{}, fmt.Errorf("needs review count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stitched_labels`).Scan(&summary.Stitched); err != nil {
		return Summary{}, fmt.Errorf("stitched count: %w", err)
	}
	return summary, nil
}
