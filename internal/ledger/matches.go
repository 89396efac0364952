package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ReplaceMatches stores the ranked candidates and set recommendations for a
// scan, replacing any previous result. Slice order is the rank.
func (s *Store) ReplaceMatches(ctx context.Context, scanID int64, matches []CardMatch, sets []SetRecommendation) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM card_matches WHERE scan_id = ?`, scanID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM set_recommendations WHERE scan_id = ?`, scanID); err != nil {
			return err
		}
		for rank, m := range matches {
			reasons, err := json.Marshal(m.Reasons)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO card_matches (scan_id, rank, card_id, card_name, card_number, set_name, set_id, year, variety, rarity, confidence, search_strategy, reasons_json)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				scanID, rank, m.CardID, m.CardName, nullableString(m.CardNumber), nullableString(m.SetName),
				nullableString(m.SetID), nullableString(m.Year), nullableString(m.Variety), nullableString(m.Rarity),
				m.Confidence, string(m.SearchStrategy), string(reasons),
			); err != nil {
				return err
			}
		}
		for rank, set := range sets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO set_recommendations (scan_id, rank, set_id, set_name, year, confidence, strategy, matching_cards_count)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				scanID, rank, set.SetID, nullableString(set.SetName), nullableString(set.Year),
				set.Confidence, string(set.Strategy), set.MatchingCardsCount,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace matches for scan %d: %w", scanID, err)
	}
	return nil
}

// Matches returns a scan's candidates in rank order.
func (s *Store) Matches(ctx context.Context, scanID int64) ([]CardMatch, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT card_id, card_name, card_number, set_name, set_id, year, variety, rarity, confidence, search_strategy, reasons_json
         FROM card_matches WHERE scan_id = ? ORDER BY rank`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query card matches: %w", err)
	}
	defer rows.Close()

	var matches []CardMatch
	for rows.Next() {
		var (
			m                                                 CardMatch
			number, setName, setID, year, variety, rarity, rs sql.NullString
			strategy                                          string
		)
		if err := rows.Scan(&m.CardID, &m.CardName, &number, &setName, &setID, &year, &variety, &rarity, &m.Confidence, &strategy, &rs); err != nil {
			return nil, fmt.Errorf("scan card match: %w", err)
		}
		m.CardNumber = number.String
		m.SetName = setName.String
		m.SetID = setID.String
		m.Year = year.String
		m.Variety = variety.String
		m.Rarity = rarity.String
		m.SearchStrategy = SearchStrategy(strategy)
		if rs.Valid && rs.String != "" {
			_ = json.Unmarshal([]byte(rs.String), &m.Reasons)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate card matches: %w", err)
	}
	return matches, nil
}

// SetRecommendations returns a scan's recommended sets in rank order.
func (s *Store) SetRecommendations(ctx context.Context, scanID int64) ([]SetRecommendation, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT set_id, set_name, year, confidence, strategy, matching_cards_count
         FROM set_recommendations WHERE scan_id = ? ORDER BY rank`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query set recommendations: %w", err)
	}
	defer rows.Close()

	var sets []SetRecommendation
	for rows.Next() {
		var (
			rec           SetRecommendation
			setName, year sql.NullString
			strategy      string
		)
		if err := rows.Scan(&rec.SetID, &setName, &year, &rec.Confidence, &strategy, &rec.MatchingCardsCount); err != nil {
			return nil, fmt.Errorf("scan set recommendation: %w", err)
		}
		rec.SetName = setName.String
		rec.Year = year.String
		rec.Strategy = SearchStrategy(strategy)
		sets = append(sets, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate set recommendations: %w", err)
	}
	return sets, nil
}
