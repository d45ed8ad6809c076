package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ordex/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// HistoryStore keeps the execution log in SQLite via gorm.
type HistoryStore struct {
	db *gorm.DB
}

func NewHistoryStore(path string) (*HistoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("execution history path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// The _pragma options belong to the pure-Go driver, so pin it by name.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewHistoryStoreFromDB(db)
}

// NewHistoryStoreFromDB wraps an existing gorm handle; tests drive an
// in-memory database through this path.
func NewHistoryStoreFromDB(db *gorm.DB) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&model.ExecutionModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &HistoryStore{db: db}, nil
}

func (s *HistoryStore) Append(ctx context.Context, rec *model.ExecutionModel) error {
	if rec == nil {
		return fmt.Errorf("execution record cannot be nil")
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *HistoryStore) ListRecent(ctx context.Context, limit int) ([]model.ExecutionModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.ExecutionModel
	if err := s.db.WithContext(ctx).
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *HistoryStore) ListBySymbol(ctx context.Context, symbol string, limit int) ([]model.ExecutionModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.ExecutionModel
	if err := s.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *HistoryStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
