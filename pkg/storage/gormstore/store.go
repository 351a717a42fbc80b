// Package gormstore persists jobs with gorm on postgres, mysql or sqlite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"lenrd/pkg/job"
	"lenrd/pkg/logger"
	"lenrd/pkg/models"
	"lenrd/pkg/storage"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	Driver   string
	DSN      string // used as-is when set
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Path     string // sqlite file

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
	Tracing         bool
}

// Store implements storage.JobStore.
type Store struct {
	db *gorm.DB
}

var _ storage.JobStore = (*Store)(nil)

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dialector, err := dialectorFor(driver, cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger(cfg.LogLevel),
		PrepareStmt:    driver != DriverSQLite,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	if cfg.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			logger.Warn("Failed to install gorm tracing plugin", zap.Error(err))
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.AutoMigrate(&models.JobRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	logger.Info("Connected to database", zap.String("driver", driver))
	return &Store{db: db}, nil
}

func dialectorFor(driver string, cfg Config) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = cfg.Path
		}
		if path == "" {
			path = "./data/lenrd.db"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		return sqlite.Open(path), nil
	case DriverMySQL:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		}
		return mysql.Open(dsn), nil
	case DriverPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want sqlite, mysql or postgres)", driver)
	}
}

func gormLogger(level string) gormlogger.Interface {
	var lvl gormlogger.LogLevel
	switch level {
	case "silent":
		lvl = gormlogger.Silent
	case "error":
		lvl = gormlogger.Error
	case "info":
		lvl = gormlogger.Info
	default:
		lvl = gormlogger.Warn
	}
	return gormlogger.Default.LogMode(lvl)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// NextID returns a new random UUID.
func (s *Store) NextID() string {
	return uuid.NewString()
}

// Save inserts a new job row.
func (s *Store) Save(ctx context.Context, snap job.Snapshot) error {
	rec := models.NewJobRecord(snap)
	result := s.db.WithContext(ctx).Create(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

// Update overwrites the mutable columns of a job.
func (s *Store) Update(ctx context.Context, snap job.Snapshot) error {
	rec := models.NewJobRecord(snap)
	result := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("id = ?", snap.ID).
		Updates(map[string]interface{}{
			"status":     rec.Status,
			"timestamp":  rec.Timestamp,
			"pid":        rec.PID,
			"exit_code":  rec.ExitCode,
			"stdout":     rec.Stdout,
			"output":     rec.Output,
			"command":    rec.Command,
			"args":       rec.Args,
			"output_uri": rec.OutputURI,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.mustExist(ctx, snap.ID)
	}
	return nil
}

// mustExist tells a missing row from an update that changed nothing; mysql
// counts only changed rows unless the DSN sets clientFoundRows.
func (s *Store) mustExist(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.JobRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Find retrieves a job by ID.
func (s *Store) Find(ctx context.Context, id string) (job.Snapshot, error) {
	var rec models.JobRecord
	result := s.db.WithContext(ctx).First(&rec, "id = ?", id)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return job.Snapshot{}, storage.ErrNotFound
		}
		return job.Snapshot{}, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return rec.Snapshot(), nil
}

// List returns a page of jobs, newest first.
func (s *Store) List(ctx context.Context, page, size int) ([]job.Snapshot, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 10
	}

	var recs []models.JobRecord
	result := s.db.WithContext(ctx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Limit(size).
		Offset(page * size).
		Find(&recs)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}

	out := make([]job.Snapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Snapshot())
	}
	return out, nil
}

// SetOutputURI records the archive location of a job's output.
func (s *Store) SetOutputURI(ctx context.Context, id, uri string) error {
	result := s.db.WithContext(ctx).
		Model(&models.JobRecord{}).
		Where("id = ?", id).
		Update("output_uri", uri)

	if result.Error != nil {
		return fmt.Errorf("failed to set output uri: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.mustExist(ctx, id)
	}
	return nil
}
