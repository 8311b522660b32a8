package repository

import (
	"context"
	"errors"
	"fmt"

	"docsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
SLOT PERSISTENCE

Each row of storage_slots is one key of the shared slot medium. Writes run
in a transaction that also issues pg_notify, so listeners are told about a
change only once it has committed.

Query patterns:
- Get: read one slot (initial load, re-read after a notification)
- Put: upsert + notify, skipped when the value is unchanged
- Delete: remove + notify
*/

// SlotRepositoryImpl handles slot rows
type SlotRepositoryImpl struct {
	db *gorm.DB
}

// NewSlotRepository creates a new slot repository
func NewSlotRepository(db *gorm.DB) *SlotRepositoryImpl {
	return &SlotRepositoryImpl{db: db}
}

// Get returns the row for key, or nil if there is none.
func (r *SlotRepositoryImpl) Get(ctx context.Context, key string) (*models.SlotRecord, error) {
	var rec models.SlotRecord
	err := r.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot %q: %w", key, err)
	}
	return &rec, nil
}

// Put stores rec and sends payload on channel in the same transaction.
// It reports false, and notifies nobody, when the row already holds
// rec.Value.
func (r *SlotRepositoryImpl) Put(ctx context.Context, rec *models.SlotRecord, channel, payload string) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.SlotRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cur, "key = ?", rec.Key).Error
		switch {
		case err == nil && cur.Value == rec.Value:
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "origin", "updated_at"}),
		}).Create(rec).Error; err != nil {
			return err
		}
		changed = true
		return notify(tx, channel, payload)
	})
	if err != nil {
		return false, fmt.Errorf("failed to put slot %q: %w", rec.Key, err)
	}
	return changed, nil
}

// Delete removes the row for key and sends payload on channel if there was
// one to remove.
func (r *SlotRepositoryImpl) Delete(ctx context.Context, key, channel, payload string) (bool, error) {
	removed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.SlotRecord{}, "key = ?", key)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		removed = true
		return notify(tx, channel, payload)
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete slot %q: %w", key, err)
	}
	return removed, nil
}

func notify(tx *gorm.DB, channel, payload string) error {
	return tx.Exec("SELECT pg_notify(?, ?)", channel, payload).Error
}
