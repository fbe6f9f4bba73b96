// Package usage records token usage and estimated cost for every model
// call a turn makes. Records are append-only and indexed by timestamp,
// session and turn for aggregation.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/wanderplan/internal/config"
	"github.com/nugget/wanderplan/internal/llm"
)

// Record is one model call's token usage and cost.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	TurnID       string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	StopReason   string
	Duration     time.Duration
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int     `json:"records"`
	TotalInputTokens  int64   `json:"input_tokens"`
	TotalOutputTokens int64   `json:"output_tokens"`
	TotalCostUSD      float64 `json:"cost_usd"`
}

// Store is an append-only SQLite store for usage records. Safe for
// concurrent use.
type Store struct {
	db       *sql.DB
	pricing  map[string]config.PricingEntry
	provider func(model string) string
	now      func() time.Time
}

// NewStore opens (or creates) a usage database at dbPath.
func NewStore(dbPath string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := New(db, pricing)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the schema if needed.
func New(db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	s := &Store{db: db, pricing: pricing, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// SetProviderLookup sets the function used to label records with the
// provider serving a model.
func (s *Store) SetProviderLookup(fn func(model string) string) {
	s.provider = fn
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		turn_id       TEXT,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		stop_reason   TEXT,
		duration_ms   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_turn ON usage_records(turn_id);
	`)
	return err
}

// RecordUsage stores the usage of one model response, pricing it from
// the configured table.
func (s *Store) RecordUsage(ctx context.Context, sessionID, turnID string, resp *llm.ChatResponse) error {
	if resp == nil {
		return nil
	}
	provider := ""
	if s.provider != nil {
		provider = s.provider(resp.Model)
	}
	return s.Record(ctx, Record{
		SessionID:    sessionID,
		TurnID:       turnID,
		Model:        resp.Model,
		Provider:     provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, s.pricing),
		StopReason:   resp.StopReason,
		Duration:     resp.Duration,
	})
}

// Record persists a usage record. An empty ID gets a UUIDv7 and a zero
// timestamp gets the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, turn_id, model, provider,
			 input_tokens, output_tokens, cost_usd, stop_reason, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.SessionID,
		rec.TurnID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.StopReason,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SessionSummary returns the totals for one session across all time.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE session_id = ?`,
		sessionID,
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query session usage: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByTurn returns per-turn totals for records within [start, end).
func (s *Store) SummaryByTurn(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "turn_id", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column only ever comes from the methods above.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost prices a model's token usage from the pricing table.
// Models not in the table cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
