// Package catalog records, per campaign, the latest composite and descriptor
// together with generations waiting for a retry.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/pkg/types"
)

// ErrNotFound is returned for an unknown campaign.
var ErrNotFound = errors.New("catalog: campaign not found")

// Catalog is the GORM backed campaign record.
type Catalog struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open opens the SQLite catalog at path, in memory when path is empty, and
// migrates the schema.
func Open(path string, log *slog.Logger) (*Catalog, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	// one connection: an in-memory database exists per connection and SQLite
	// serializes writers anyway
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	c, err := New(db, log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if path == "" {
		c.log.Info("using in-memory catalog")
	} else {
		c.log.Info("using catalog", "path", path)
	}
	return c, nil
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Catalog, error) {
	if err := db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}
	return &Catalog{db: db, log: logging.OrDefault(log).With("component", "catalog")}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveCampaign creates the campaign or replaces its design, placement and
// payload. Stored artifacts are kept until new ones are recorded.
func (c *Catalog) SaveCampaign(ctx context.Context, id string, design types.DesignAsset, placement types.MarkerPlacement, payload string) (*Campaign, error) {
	var out Campaign
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&out, "id = ?", id).Error
		isNew := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !isNew {
			return err
		}
		if isNew {
			out = Campaign{ID: id, Status: StatusPending}
		}
		out.DesignURL = design.URL
		out.DesignVersion = design.Version
		out.DesignWidth = design.Width
		out.DesignHeight = design.Height
		out.Placement = placementToJSON(placement)
		out.Payload = payload
		if isNew {
			return tx.Create(&out).Error
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save campaign %s: %w", id, err)
	}
	return &out, nil
}

// Campaign loads one campaign.
func (c *Catalog) Campaign(ctx context.Context, id string) (*Campaign, error) {
	var out Campaign
	err := c.db.WithContext(ctx).First(&out, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}
	return &out, nil
}

// SetStatus updates the campaign status. An empty message clears LastError.
func (c *Catalog) SetStatus(ctx context.Context, id string, status Status, message string) error {
	return c.update(ctx, id, map[string]any{"status": status, "last_error": message})
}

// RecordComposite stores a new composite under key and returns the key it
// replaces. raw marks a composite that is the unmodified design.
func (c *Catalog) RecordComposite(ctx context.Context, id, key string, target types.CompositeTarget, raw bool) (previous string, err error) {
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Campaign
		if err := first(tx, id, &cur); err != nil {
			return err
		}
		previous = cur.CompositeKey
		at := target.GeneratedAt
		return tx.Model(&cur).Updates(map[string]any{
			"raw_design":     raw,
			"composite_key":  key,
			"composite_url":  target.URL,
			"composite_size": target.Size,
			"composite_at":   &at,
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to record composite for %s: %w", id, err)
	}
	return previous, nil
}

// RecordDescriptor stores a new descriptor under key, marks the campaign
// ready and returns the key it replaces.
func (c *Catalog) RecordDescriptor(ctx context.Context, id, key string, d types.FeatureDescriptor) (previous string, err error) {
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Campaign
		if err := first(tx, id, &cur); err != nil {
			return err
		}
		previous = cur.DescriptorKey
		at := d.GeneratedAt
		return tx.Model(&cur).Updates(map[string]any{
			"descriptor_key":    key,
			"descriptor_url":    d.URL,
			"descriptor_size":   d.SizeBytes,
			"descriptor_method": string(d.GenerationMethod),
			"descriptor_at":     &at,
			"status":            StatusReady,
			"last_error":        "",
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to record descriptor for %s: %w", id, err)
	}
	return previous, nil
}

// ClearDescriptor drops the descriptor reference, returning the removed key.
// A descriptor must never outlive the composite it was built from.
func (c *Catalog) ClearDescriptor(ctx context.Context, id string) (previous string, err error) {
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Campaign
		if err := first(tx, id, &cur); err != nil {
			return err
		}
		previous = cur.DescriptorKey
		return tx.Model(&cur).Updates(map[string]any{
			"descriptor_key":    "",
			"descriptor_url":    "",
			"descriptor_size":   0,
			"descriptor_method": "",
			"descriptor_at":     nil,
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to clear descriptor for %s: %w", id, err)
	}
	return previous, nil
}

// AddPending records a failed generation for a later retry.
func (c *Catalog) AddPending(ctx context.Context, campaignID, compositeKey, reason string, attempts []string) error {
	p := PendingGeneration{
		CampaignID:   campaignID,
		CompositeKey: compositeKey,
		Reason:       reason,
		Attempts:     attemptsToJSON(attempts),
	}
	if err := c.db.WithContext(ctx).Create(&p).Error; err != nil {
		return fmt.Errorf("failed to record pending generation for %s: %w", campaignID, err)
	}
	c.log.Warn("descriptor generation pending retry", "campaign", campaignID, "reason", reason)
	return nil
}

// ListPending returns unresolved generations, oldest first. limit <= 0
// returns all of them.
func (c *Catalog) ListPending(ctx context.Context, limit int) ([]PendingGeneration, error) {
	var out []PendingGeneration
	q := c.db.WithContext(ctx).Where("resolved = ?", false).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending generations: %w", err)
	}
	return out, nil
}

// ResolvePending marks every open entry of the campaign resolved.
func (c *Catalog) ResolvePending(ctx context.Context, campaignID string) (int64, error) {
	res := c.db.WithContext(ctx).Model(&PendingGeneration{}).
		Where("campaign_id = ? AND resolved = ?", campaignID, false).
		Update("resolved", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to resolve pending generations for %s: %w", campaignID, res.Error)
	}
	return res.RowsAffected, nil
}

func (c *Catalog) update(ctx context.Context, id string, fields map[string]any) error {
	res := c.db.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update campaign %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func first(tx *gorm.DB, id string, out *Campaign) error {
	err := tx.First(out, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
