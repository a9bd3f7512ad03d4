// Package storage is the durable run store. Machine fields on a result
// row are written exactly once; only the human-review field group is
// mutable afterwards.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"safety-monitor/internal/config"
	"safety-monitor/internal/pipeline"
	"safety-monitor/internal/provider"
)

// ErrNotFound is returned when a run or result does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool. The pool is shared across all
// pipeline workers; writes are one row per result so machine fields
// need no cross-worker locking.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and verifies connectivity.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MinIdleConns > 0 {
		pc.MinConns = int32(cfg.MinIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id              UUID PRIMARY KEY,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	source_tag      TEXT NOT NULL,
	models          TEXT NOT NULL,
	config_snapshot JSONB NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS results (
	id                 UUID PRIMARY KEY,
	run_id             UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	prompt_text        TEXT NOT NULL,
	ordinal            INTEGER NOT NULL,
	stage_status       TEXT NOT NULL,
	error_stage        TEXT,
	error_cause        TEXT,
	error_message      TEXT,
	input_label        TEXT,
	input_confidence   DOUBLE PRECISION,
	input_raw          JSONB,
	input_provider     TEXT,
	answer_text        TEXT,
	answer_model       TEXT,
	answer_raw         JSONB,
	output_label       TEXT,
	output_confidence  DOUBLE PRECISION,
	output_raw         JSONB,
	output_provider    TEXT,
	human_input_label  TEXT,
	human_output_label TEXT,
	human_note         TEXT,
	reviewer           TEXT,
	reviewed_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_results_run_id ON results (run_id);
`

// EnsureSchema creates the tables when they do not exist yet. Real
// migrations are handled outside this module.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// CreateRun inserts a new run row with its immutable config snapshot.
func (db *DB) CreateRun(ctx context.Context, run *pipeline.Run) error {
	if run.ConfigSnapshot == nil {
		run.ConfigSnapshot = json.RawMessage("{}")
	}
	query := `
		INSERT INTO runs (id, created_at, source_tag, models, config_snapshot, status)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		run.ID, run.CreatedAt, run.SourceTag, run.Models,
		[]byte(run.ConfigSnapshot), run.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// CompleteRun records the terminal status and completion time. The only
// mutation a run row ever sees.
func (db *DB) CompleteRun(ctx context.Context, runID, status string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $2, completed_at = now() WHERE id = $1`,
		runID, status,
	)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("completing run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a single run by ID.
func (db *DB) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	query := `
		SELECT id, created_at, completed_at, source_tag, models, config_snapshot, status
		FROM runs WHERE id = $1`

	var run pipeline.Run
	var snapshot []byte
	err := db.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.CreatedAt, &run.CompletedAt,
		&run.SourceTag, &run.Models, &snapshot, &run.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("querying run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", runID, err)
	}
	run.ConfigSnapshot = json.RawMessage(snapshot)
	return &run, nil
}

// ListRuns returns the most recent runs with their aggregate counts.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunSummaryRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 25
	}

	query := `
		SELECT r.id, r.created_at, r.completed_at, r.source_tag, r.models, r.config_snapshot, r.status,
			COUNT(res.id),
			COUNT(res.id) FILTER (WHERE res.input_label = 'TOXIC'),
			COUNT(res.id) FILTER (WHERE res.output_label = 'TOXIC'),
			COUNT(res.id) FILTER (WHERE res.answer_text IS NOT NULL),
			COUNT(res.id) FILTER (WHERE res.reviewer IS NOT NULL),
			COUNT(res.id) FILTER (WHERE res.stage_status = 'FAILED')
		FROM runs r
		LEFT JOIN results res ON res.run_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at DESC
		LIMIT $1`

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummaryRow
	for rows.Next() {
		var row RunSummaryRow
		var snapshot []byte
		if err := rows.Scan(
			&row.Run.ID, &row.Run.CreatedAt, &row.Run.CompletedAt,
			&row.Run.SourceTag, &row.Run.Models, &snapshot, &row.Run.Status,
			&row.ResultCount, &row.InputFlagged, &row.OutputFlagged,
			&row.Answered, &row.Reviewed, &row.Failed,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		row.Run.ConfigSnapshot = json.RawMessage(snapshot)
		out = append(out, row)
	}
	return out, rows.Err()
}

// WriteResult inserts one result row. Called exactly once per item
// after it reaches a terminal status; the insert is atomic, so either
// the whole row is visible or none of it is. Machine fields are never
// updated afterwards.
func (db *DB) WriteResult(ctx context.Context, res *pipeline.Result) error {
	query := `
		INSERT INTO results (id, run_id, prompt_text, ordinal, stage_status,
			error_stage, error_cause, error_message,
			input_label, input_confidence, input_raw, input_provider,
			answer_text, answer_model, answer_raw,
			output_label, output_confidence, output_raw, output_provider,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	var errStage, errCause, errMessage *string
	if res.Error != nil {
		stage := string(res.Error.Stage)
		errStage, errCause, errMessage = &stage, &res.Error.Cause, &res.Error.Message
	}

	var inputLabel, inputProvider *string
	var inputConfidence *float64
	var inputRaw []byte
	if res.Input != nil {
		label := string(res.Input.Label)
		inputLabel = &label
		inputProvider = &res.Input.Provider
		inputConfidence = res.Input.Confidence
		inputRaw = res.Input.Raw
	}

	var answerText, answerModel *string
	var answerRaw []byte
	if res.Answer != nil {
		answerText = &res.Answer.Text
		answerModel = &res.Answer.Model
		answerRaw = res.Answer.Raw
	}

	var outputLabel, outputProvider *string
	var outputConfidence *float64
	var outputRaw []byte
	if res.Output != nil {
		label := string(res.Output.Label)
		outputLabel = &label
		outputProvider = &res.Output.Provider
		outputConfidence = res.Output.Confidence
		outputRaw = res.Output.Raw
	}

	_, err := db.pool.Exec(ctx, query,
		res.ID, res.RunID, res.Prompt, res.Ordinal, string(res.Status),
		errStage, errCause, errMessage,
		inputLabel, inputConfidence, inputRaw, inputProvider,
		answerText, answerModel, answerRaw,
		outputLabel, outputConfidence, outputRaw, outputProvider,
		res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

const resultColumns = `id, run_id, prompt_text, ordinal, stage_status,
	error_stage, error_cause, error_message,
	input_label, input_confidence, input_raw, input_provider,
	answer_text, answer_model, answer_raw,
	output_label, output_confidence, output_raw, output_provider,
	human_input_label, human_output_label, human_note, reviewer, reviewed_at,
	created_at`

// GetResult retrieves a single result by ID.
func (db *DB) GetResult(ctx context.Context, id string) (*pipeline.Result, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM results WHERE id = $1`, id)
	res, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("querying result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying result %s: %w", id, err)
	}
	return res, nil
}

// ListResults queries a run's results with optional filters, ordered by
// ingestion order.
func (db *DB) ListResults(ctx context.Context, runID string, filter ResultFilter) ([]*pipeline.Result, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT ` + resultColumns + `
		FROM results
		WHERE run_id = $1
		  AND ($2 = '' OR stage_status = $2)
		  AND ($3 = '' OR input_label = $3)
		  AND ($4::boolean IS NULL OR (reviewer IS NOT NULL) = $4)
		ORDER BY ordinal
		LIMIT $5 OFFSET $6`

	rows, err := db.pool.Query(ctx, query,
		runID, filter.Status, filter.InputLabel, filter.Reviewed, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*pipeline.Result, error) {
	var res pipeline.Result
	var status string
	var errStage, errCause, errMessage *string
	var inputLabel, inputProvider *string
	var inputConfidence *float64
	var inputRaw []byte
	var answerText, answerModel *string
	var answerRaw []byte
	var outputLabel, outputProvider *string
	var outputConfidence *float64
	var outputRaw []byte
	var humanInput, humanOutput, humanNote, reviewer *string
	var reviewedAt *time.Time

	err := row.Scan(
		&res.ID, &res.RunID, &res.Prompt, &res.Ordinal, &status,
		&errStage, &errCause, &errMessage,
		&inputLabel, &inputConfidence, &inputRaw, &inputProvider,
		&answerText, &answerModel, &answerRaw,
		&outputLabel, &outputConfidence, &outputRaw, &outputProvider,
		&humanInput, &humanOutput, &humanNote, &reviewer, &reviewedAt,
		&res.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	res.Status = pipeline.StageStatus(status)
	if errStage != nil {
		res.Error = &pipeline.StageError{
			Stage:   pipeline.Stage(*errStage),
			Cause:   deref(errCause),
			Message: deref(errMessage),
		}
	}
	if inputLabel != nil {
		res.Input = &provider.Classification{
			Label:      provider.Label(*inputLabel),
			Confidence: inputConfidence,
			Raw:        json.RawMessage(inputRaw),
			Provider:   deref(inputProvider),
		}
	}
	if answerText != nil {
		res.Answer = &provider.Generation{
			Text:  *answerText,
			Model: deref(answerModel),
			Raw:   json.RawMessage(answerRaw),
		}
	}
	if outputLabel != nil {
		res.Output = &provider.Classification{
			Label:      provider.Label(*outputLabel),
			Confidence: outputConfidence,
			Raw:        json.RawMessage(outputRaw),
			Provider:   deref(outputProvider),
		}
	}
	if reviewer != nil && reviewedAt != nil {
		review := &pipeline.Review{
			Reviewer:   *reviewer,
			Note:       deref(humanNote),
			ReviewedAt: *reviewedAt,
		}
		if humanInput != nil {
			label := provider.Label(*humanInput)
			review.InputLabel = &label
		}
		if humanOutput != nil {
			label := provider.Label(*humanOutput)
			review.OutputLabel = &label
		}
		res.Review = review
	}

	return &res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
