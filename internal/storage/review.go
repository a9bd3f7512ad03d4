package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ApplyReview applies a human override to an existing result. It is
// idempotent: when the stored review fields already equal the request
// for the same reviewer, no write happens, reviewed_at is untouched,
// and applied is false. Otherwise the review field group is overwritten
// last-write-wins with a fresh timestamp. Machine fields are never read
// or written here; concurrent pipeline inserts and review updates touch
// disjoint field sets of different lifecycle phases and do not block
// each other.
func (db *DB) ApplyReview(ctx context.Context, req ReviewRequest) (applied bool, err error) {
	query := `
		UPDATE results
		SET human_input_label = $2,
		    human_output_label = $3,
		    human_note = $4,
		    reviewer = $5,
		    reviewed_at = now()
		WHERE id = $1
		  AND (reviewer IS DISTINCT FROM $5
		    OR human_input_label IS DISTINCT FROM $2
		    OR human_output_label IS DISTINCT FROM $3
		    OR human_note IS DISTINCT FROM $4)`

	tag, err := db.pool.Exec(ctx, query,
		req.ResultID, req.InputLabel, req.OutputLabel, req.Note, req.Reviewer,
	)
	if err != nil {
		return false, fmt.Errorf("applying review to result %s: %w", req.ResultID, err)
	}

	if tag.RowsAffected() > 0 {
		log.Info().
			Str("result_id", req.ResultID).
			Str("reviewer", req.Reviewer).
			Msg("human review applied")
		return true, nil
	}

	// No row changed: either the review is already identical, or the
	// result does not exist.
	var exists bool
	err = db.pool.QueryRow(ctx, `SELECT true FROM results WHERE id = $1`, req.ResultID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("result %s: %w", req.ResultID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("checking result %s: %w", req.ResultID, err)
	}
	return false, nil
}
