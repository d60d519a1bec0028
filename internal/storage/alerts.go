package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/vesaa/tapwatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveAlert upserts an alert by ID.
func (r *Repository) SaveAlert(ctx context.Context, alert models.Alert) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&alert).Error
	if err != nil {
		return fmt.Errorf("storage: save alert %s: %w", alert.ID, err)
	}
	return nil
}

// AlertsByStatus lists alerts with the given status, most recently seen
// first. An empty status lists all alerts.
func (r *Repository) AlertsByStatus(ctx context.Context, status models.AlertStatus) ([]models.Alert, error) {
	q := r.db.WithContext(ctx).Order("last_seen desc, id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var alerts []models.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	return alerts, nil
}

// FindAlert returns the alert with the given ID.
func (r *Repository) FindAlert(ctx context.Context, id string) (models.Alert, bool, error) {
	var alert models.Alert
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Alert{}, false, nil
	}
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("storage: find alert %s: %w", id, err)
	}
	return alert, true, nil
}
