package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type kvRecord struct {
	Key       string    `gorm:"column:cache_key;primaryKey"`
	Payload   []byte    `gorm:"column:payload;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (kvRecord) TableName() string {
	return "kasir_kv"
}

// SQLiteBackend is the single-terminal default: one local database file.
type SQLiteBackend struct {
	db *gorm.DB
}

func NewSQLite(path string) (*SQLiteBackend, error) {
	gormLogger := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("migrating kv table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var rec kvRecord
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	rec := kvRecord{Key: key, Payload: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	return mapSQLiteError(err)
}

func (s *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("cache_key IN ?", keys).Delete(&kvRecord{}).Error
}

func (s *SQLiteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&kvRecord{}).
		Where(`cache_key LIKE ? ESCAPE '\'`, likePrefix(prefix)).
		Order("cache_key").
		Pluck("cache_key", &keys).Error
	return keys, err
}

func (s *SQLiteBackend) Size(ctx context.Context, prefix string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&kvRecord{}).
		Select("COALESCE(SUM(LENGTH(payload) + LENGTH(cache_key)), 0)").
		Where(`cache_key LIKE ? ESCAPE '\'`, likePrefix(prefix)).
		Scan(&total).Error
	return total, err
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
