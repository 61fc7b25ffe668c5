package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recordKey = "ads"

type consentRow struct {
	Key       string `gorm:"primaryKey"`
	Status    string
	DecidedAt int64
	// Stamp changes on every write and is what pollers compare.
	Stamp     int64
	UpdatedAt time.Time
}

func (consentRow) TableName() string { return "consent_records" }

// SQLBackend shares the record through a SQLite database, so separate
// processes pointing at the same file see each other's decisions.
type SQLBackend struct {
	db       *gorm.DB
	interval time.Duration

	mu        sync.Mutex
	lastStamp int64
}

func OpenSQLBackend(path string, pollInterval time.Duration, l *slog.Logger) (*SQLBackend, error) {
	if l == nil {
		l = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(l.With("component", "consent-sql")),
	})
	if err != nil {
		return nil, fmt.Errorf("open consent database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&consentRow{}); err != nil {
		return nil, fmt.Errorf("migrate consent database: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	b := &SQLBackend{db: db, interval: pollInterval}
	if row, err := b.row(context.Background()); err == nil {
		b.lastStamp = row.Stamp
	}
	return b, nil
}

func (b *SQLBackend) row(ctx context.Context) (consentRow, error) {
	var row consentRow
	err := b.db.WithContext(ctx).First(&row, "key = ?", recordKey).Error
	return row, err
}

func (b *SQLBackend) Load(ctx context.Context) (Record, error) {
	row, err := b.row(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, err
	}
	status, err := ParseStatus(row.Status)
	if err != nil {
		return Record{}, err
	}
	return Record{Status: status, DecidedAt: millisToTime(row.DecidedAt)}, nil
}

func (b *SQLBackend) Save(ctx context.Context, r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := consentRow{
		Key:       recordKey,
		Status:    string(r.Status),
		DecidedAt: timeToMillis(r.DecidedAt),
		Stamp:     time.Now().UnixNano(),
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return err
	}
	b.lastStamp = row.Stamp
	return nil
}

// Watch polls for rows written by someone else.
func (b *SQLBackend) Watch(ctx context.Context, onChange func()) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			row, err := b.row(ctx)
			if err != nil {
				continue
			}
			b.mu.Lock()
			changed := row.Stamp != b.lastStamp
			b.lastStamp = row.Stamp
			b.mu.Unlock()
			if changed {
				onChange()
			}
		}
	}
}

func (b *SQLBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
