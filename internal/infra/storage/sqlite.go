package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"grid_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists fills, daily statistics and run reports in SQLite.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at path.
// An empty path resolves to the user config directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		path, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.TradeRecord{}, &domain.DailyStats{}, &domain.RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "GridGo", "data", "grid.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Trades
// ======================================================================================

// SaveTrade records a fill. A fill already stored under the same client id is ignored.
func (s *Storage) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
		Create(rec).Error
}

// ListTrades returns the fills of a run in fill order.
func (s *Storage) ListTrades(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("filled_at, id").
		Find(&trades).Error
	return trades, err
}

// ======================================================================================
// Daily statistics
// ======================================================================================

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// AddDailyStats adds delta to the row of symbol for the UTC day of day.
func (s *Storage) AddDailyStats(ctx context.Context, symbol string, day time.Time, delta domain.TradeStats) error {
	key := dayKey(day)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row domain.DailyStats
		err := tx.First(&row, "date = ? AND symbol = ?", key, symbol).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row.Date = key
		row.Symbol = symbol
		row.BuyFills += delta.BuyFills
		row.SellFills += delta.SellFills
		row.CompletedPairs += delta.CompletedPairs
		row.BoughtQty = row.BoughtQty.Add(delta.BoughtQty)
		row.SoldQty = row.SoldQty.Add(delta.SoldQty)
		row.Fees = row.Fees.Add(delta.Fees)
		row.QuoteDelta = row.QuoteDelta.Add(delta.QuoteDelta)
		row.UpdatedAt = time.Now()
		return tx.Save(&row).Error
	})
}

// GetDailyStats returns the row of symbol for the UTC day of day, or nil.
func (s *Storage) GetDailyStats(ctx context.Context, symbol string, day time.Time) (*domain.DailyStats, error) {
	var row domain.DailyStats
	err := s.db.WithContext(ctx).First(&row, "date = ? AND symbol = ?", dayKey(day), symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &row, err
}

// ======================================================================================
// Runs
// ======================================================================================

// SaveRun stores the final report of a run.
func (s *Storage) SaveRun(ctx context.Context, r domain.RunReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	rec := domain.RunRecord{
		RunID:     r.RunID,
		Symbol:    r.Symbol,
		Status:    string(r.Status),
		Error:     r.Error,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Leaked:    len(r.Leaked),
		Report:    string(data),
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetRun loads a stored report, or nil.
func (s *Storage) GetRun(ctx context.Context, runID string) (*domain.RunReport, error) {
	var rec domain.RunRecord
	err := s.db.WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r domain.RunReport
	if err := json.Unmarshal([]byte(rec.Report), &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &r, nil
}
