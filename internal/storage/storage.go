// Package storage provides SQLite-backed persistence for fetched prices and
// backtest reports.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/tokendown/internal/models"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxReports int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/tokendown/data.db.
func New(maxReports int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tokendown", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxReports: maxReports}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prices (
			source TEXT    NOT NULL,
			token  TEXT    NOT NULL,
			block  INTEGER NOT NULL,
			price  REAL    NOT NULL,
			PRIMARY KEY (source, token, block)
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id                    TEXT PRIMARY KEY,
			address               TEXT    NOT NULL,
			provider              TEXT    NOT NULL,
			start_block           INTEGER NOT NULL,
			end_block             INTEGER NOT NULL,
			liquidation_incentive REAL    NOT NULL,
			collateral_factor     REAL    NOT NULL,
			token_down            REAL,
			samples               INTEGER NOT NULL,
			triggered             INTEGER NOT NULL,
			created_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_token ON reports(provider, address)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SavePrices caches one price per block for a token quoted by source.
func (s *Storage) SavePrices(source, token string, blocks []int64, prices []float64) error {
	if len(blocks) != len(prices) {
		return fmt.Errorf("got %d prices for %d blocks", len(prices), len(blocks))
	}
	token = strings.ToLower(token)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO prices (source, token, block, price) VALUES (?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, b := range blocks {
		if _, err := stmt.Exec(source, token, b, prices[i]); err != nil {
			return fmt.Errorf("failed to insert price for block %d: %w", b, err)
		}
	}
	return tx.Commit()
}

// LoadPrices returns cached prices for blocks in order. ok is false unless every
// block is cached.
func (s *Storage) LoadPrices(source, token string, blocks []int64) (prices []float64, ok bool, err error) {
	if len(blocks) == 0 {
		return nil, true, nil
	}
	rows, err := s.db.Query(`
		SELECT block, price FROM prices
		WHERE source = ? AND token = ? AND block BETWEEN ? AND ?`,
		source, strings.ToLower(token), blocks[0], blocks[len(blocks)-1])
	if err != nil {
		return nil, false, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	cached := make(map[int64]float64)
	for rows.Next() {
		var b int64
		var p float64
		if err := rows.Scan(&b, &p); err != nil {
			return nil, false, fmt.Errorf("failed to scan price: %w", err)
		}
		cached[b] = p
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	prices = make([]float64, len(blocks))
	for i, b := range blocks {
		p, hit := cached[b]
		if !hit {
			return nil, false, nil
		}
		prices[i] = p
	}
	return prices, true, nil
}

// SaveReport persists a report and trims the table to maxReports newest rows.
func (s *Storage) SaveReport(r *models.Report) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}

	var tokenDown sql.NullFloat64
	if r.Found {
		tokenDown = sql.NullFloat64{Float64: r.TokenDown, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO reports
			(id, address, provider, start_block, end_block, liquidation_incentive,
			 collateral_factor, token_down, samples, triggered, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, strings.ToLower(r.Address), r.Provider, r.StartBlock, r.EndBlock,
		r.Financials.LiquidationIncentive, r.Financials.CollateralFactor,
		tokenDown, r.Samples, r.Triggered, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if s.maxReports > 0 {
		if _, err = tx.Exec(`
			DELETE FROM reports WHERE id NOT IN (
				SELECT id FROM reports ORDER BY created_at DESC LIMIT ?
			)`, s.maxReports); err != nil {
			return fmt.Errorf("failed to enforce report cap: %w", err)
		}
	}

	return tx.Commit()
}

// GetReport loads a report by ID.
func (s *Storage) GetReport(id string) (*models.Report, error) {
	row := s.db.QueryRow(`SELECT `+reportCols+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListReports returns up to limit reports, newest first. An empty address lists
// every token.
func (s *Storage) ListReports(address string, limit int) ([]*models.Report, error) {
	query := `SELECT ` + reportCols + ` FROM reports`
	args := []any{}
	if address != "" {
		query += ` WHERE address = ?`
		args = append(args, strings.ToLower(address))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	reports := []*models.Report{}
	for rows.Next() {
		r, err := scanReport(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

const reportCols = `id, address, provider, start_block, end_block, liquidation_incentive,
	collateral_factor, token_down, samples, triggered, created_at`

func scanReport(scan func(...any) error) (*models.Report, error) {
	var r models.Report
	var tokenDown sql.NullFloat64
	var createdAtNano int64
	err := scan(
		&r.ID, &r.Address, &r.Provider, &r.StartBlock, &r.EndBlock,
		&r.Financials.LiquidationIncentive, &r.Financials.CollateralFactor,
		&tokenDown, &r.Samples, &r.Triggered, &createdAtNano,
	)
	if err != nil {
		return nil, err
	}
	r.Found = tokenDown.Valid
	r.TokenDown = tokenDown.Float64
	r.CreatedAt = time.Unix(0, createdAtNano)
	return &r, nil
}
