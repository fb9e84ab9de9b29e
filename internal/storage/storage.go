// Package storage is the durable alert backend behind alertstore.Store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"callwatch/internal/models"
)

// AlertRecord is the alerts table row.
type AlertRecord struct {
	Seq             int64          `gorm:"primaryKey;autoIncrement;column:seq"`
	AlertID         string         `gorm:"type:varchar(64);not null;uniqueIndex;column:alert_id"`
	RuleID          string         `gorm:"type:varchar(128);not null;index;column:rule_id"`
	RuleName        string         `gorm:"type:varchar(200);not null;column:rule_name"`
	Severity        string         `gorm:"type:varchar(16);not null;index;column:severity"`
	FiredAt         time.Time      `gorm:"not null;index;column:fired_at"`
	WindowStart     time.Time      `gorm:"not null;column:window_start"`
	WindowEnd       time.Time      `gorm:"not null;column:window_end"`
	Count           int            `gorm:"not null;column:count"`
	EventIDs        datatypes.JSON `gorm:"not null;column:event_ids"`
	Read            bool           `gorm:"not null;default:false;index;column:read"`
	TemplateMissing bool           `gorm:"not null;default:false;column:template_missing"`
	CreatedAt       time.Time      `gorm:"not null;autoCreateTime;column:created_at"`
}

func (AlertRecord) TableName() string { return "alerts" }

// Backend stores alerts through gorm. It satisfies alertstore.Backend.
type Backend struct {
	db *gorm.DB
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("storage backend is closed")

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

// New wraps an open gorm connection and migrates the alerts table.
func New(db *gorm.DB) (*Backend, error) {
	if err := db.AutoMigrate(&AlertRecord{}); err != nil {
		return nil, fmt.Errorf("migrate alerts: %w", err)
	}
	return &Backend{db: db}, nil
}

// Save inserts one alert.
func (b *Backend) Save(ctx context.Context, a models.Alert) error {
	if b.db == nil {
		return ErrClosed
	}
	rec, err := toRecord(a)
	if err != nil {
		return err
	}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

// MarkRead sets the read flag on every listed alert.
func (b *Backend) MarkRead(ctx context.Context, ids []string) error {
	if b.db == nil {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	err := b.db.WithContext(ctx).
		Model(&AlertRecord{}).
		Where("alert_id IN ?", ids).
		Update("read", true).Error
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Load returns every stored alert in insertion order.
func (b *Backend) Load(ctx context.Context) ([]models.Alert, error) {
	if b.db == nil {
		return nil, ErrClosed
	}
	var recs []AlertRecord
	if err := b.db.WithContext(ctx).Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	out := make([]models.Alert, 0, len(recs))
	for _, rec := range recs {
		a, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	b.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(a models.Alert) (AlertRecord, error) {
	ids := a.EventIDs
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("encode event ids: %w", err)
	}
	return AlertRecord{
		AlertID:         a.ID,
		RuleID:          a.RuleID,
		RuleName:        a.RuleName,
		Severity:        string(a.Severity),
		FiredAt:         a.FiredAt.UTC(),
		WindowStart:     a.WindowStart.UTC(),
		WindowEnd:       a.WindowEnd.UTC(),
		Count:           a.Count,
		EventIDs:        datatypes.JSON(raw),
		Read:            a.Read,
		TemplateMissing: a.TemplateMissing,
	}, nil
}

func fromRecord(rec AlertRecord) (models.Alert, error) {
	var ids []string
	if len(rec.EventIDs) > 0 {
		if err := json.Unmarshal(rec.EventIDs, &ids); err != nil {
			return models.Alert{}, fmt.Errorf("decode event ids of %s: %w", rec.AlertID, err)
		}
	}
	return models.Alert{
		ID:              rec.AlertID,
		RuleID:          rec.RuleID,
		RuleName:        rec.RuleName,
		Severity:        models.Severity(rec.Severity),
		FiredAt:         rec.FiredAt.UTC(),
		WindowStart:     rec.WindowStart.UTC(),
		WindowEnd:       rec.WindowEnd.UTC(),
		Count:           rec.Count,
		EventIDs:        ids,
		Read:            rec.Read,
		TemplateMissing: rec.TemplateMissing,
	}, nil
}
