package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rickgao/updown-recorder/internal/model"
)

const (
	sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	insertChunk   = 200
)

// SQLiteBackend stores each day in its own database file.
type SQLiteBackend struct {
	dir    string
	prefix string
	logger *slog.Logger
}

// NewSQLiteBackend creates a backend writing <dir>/<prefix>_YYYY-MM-DD.db.
func NewSQLiteBackend(dir, prefix string, logger *slog.Logger) *SQLiteBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteBackend{dir: dir, prefix: prefix, logger: logger}
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

// Path returns the file path of date's database.
func (b *SQLiteBackend) Path(date Date) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s_%s.db", b.prefix, date))
}

// Open creates or resumes the database file for date.
func (b *SQLiteBackend) Open(ctx context.Context, date Date) (Window, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := b.Path(date)
	db, err := gorm.Open(sqlite.Open(path+sqlitePragmas), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: the writer is the only user.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	b.logger.Debug("sqlite window ready", "path", path)
	return &sqliteWindow{date: date, path: path, db: db}, nil
}

type sqliteWindow struct {
	date Date
	path string
	db   *gorm.DB

	mu     sync.Mutex
	closed bool
}

func (w *sqliteWindow) Date() Date { return w.date }

// Path returns the database file path.
func (w *sqliteWindow) Path() string { return w.path }

// DB exposes the handle for read access.
func (w *sqliteWindow) DB() *gorm.DB { return w.db }

func (w *sqliteWindow) Append(ctx context.Context, events []model.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWindowClosed
	}

	rows := buildRows(events)
	if rows.empty() {
		return nil
	}

	skip := clause.OnConflict{DoNothing: true}
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows.Markets) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"active", "updated_at"}),
			}).CreateInBatches(rows.Markets, insertChunk).Error
			if err != nil {
				return fmt.Errorf("insert markets: %w", err)
			}
		}
		if len(rows.Tokens) > 0 {
			if err := tx.Clauses(skip).CreateInBatches(rows.Tokens, insertChunk).Error; err != nil {
				return fmt.Errorf("insert tokens: %w", err)
			}
		}
		if len(rows.Prices) > 0 {
			if err := tx.Clauses(skip).CreateInBatches(rows.Prices, insertChunk).Error; err != nil {
				return fmt.Errorf("insert price snapshots: %w", err)
			}
		}
		if len(rows.Books) > 0 {
			if err := tx.Clauses(skip).CreateInBatches(rows.Books, insertChunk).Error; err != nil {
				return fmt.Errorf("insert orderbook snapshots: %w", err)
			}
		}
		if len(rows.Volumes) > 0 {
			if err := tx.Clauses(skip).CreateInBatches(rows.Volumes, insertChunk).Error; err != nil {
				return fmt.Errorf("insert volume snapshots: %w", err)
			}
		}
		if len(rows.System) > 0 {
			if err := tx.Clauses(skip).CreateInBatches(rows.System, insertChunk).Error; err != nil {
				return fmt.Errorf("insert system events: %w", err)
			}
		}
		return nil
	})
}

// Close checkpoints the WAL into the main file and closes the database.
func (w *sqliteWindow) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	sqlDB, err := w.db.DB()
	if err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	if err := w.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		sqlDB.Close()
		return fmt.Errorf("checkpoint %s: %w", w.path, err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}
