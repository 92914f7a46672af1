package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/opsgate/internal/history"
)

// OperationRepository implements history.Store with GORM.
type OperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository creates an OperationRepository.
func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// AppendOperation inserts one history entry.
func (r *OperationRepository) AppendOperation(ctx context.Context, e history.Entry) error {
	model := toOperationModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending operation %s: %w", e.Request.ID, err)
	}
	return nil
}

// MarkRolledBack flags the given operations as rolled back in one
// transaction. Rolled back rows stay in the table for auditing.
func (r *OperationRepository) MarkRolledBack(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&OperationModel{}).
			Where("id IN ? AND rolled_back_at IS NULL", requestIDs).
			Update("rolled_back_at", now)
		if res.Error != nil {
			return fmt.Errorf("marking operations rolled back: %w", res.Error)
		}
		if res.RowsAffected != int64(len(requestIDs)) {
			return fmt.Errorf("marking operations rolled back: %d of %d rows updated", res.RowsAffected, len(requestIDs))
		}
		return nil
	})
}

// RecentOperations returns up to limit live entries, oldest first.
func (r *OperationRepository) RecentOperations(ctx context.Context, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = history.DefaultCapacity
	}

	var models []OperationModel
	if err := r.db.WithContext(ctx).
		Where("rolled_back_at IS NULL").
		Order("recorded_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading recent operations: %w", err)
	}

	entries := make([]history.Entry, len(models))
	for i := range models {
		entries[i] = toOperationDomain(&models[i])
	}
	slices.Reverse(entries)
	return entries, nil
}
