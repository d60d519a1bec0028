package storage

import (
	"context"
	"fmt"

	"github.com/vesaa/tapwatch/internal/models"
	"gorm.io/gorm/clause"
)

// SaveMonitoredNetwork upserts a monitored network by ID.
func (r *Repository) SaveMonitoredNetwork(ctx context.Context, n models.MonitoredNetwork) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&n).Error
	if err != nil {
		return fmt.Errorf("storage: save monitored network %s: %w", n.ID, err)
	}
	return nil
}

// MonitoredNetworks lists every monitored network ordered by SSID.
func (r *Repository) MonitoredNetworks(ctx context.Context) ([]models.MonitoredNetwork, error) {
	var out []models.MonitoredNetwork
	if err := r.db.WithContext(ctx).Order("ssid").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("storage: list monitored networks: %w", err)
	}
	return out, nil
}

// DeleteMonitoredNetwork removes a monitored network. It reports whether a
// row was deleted.
func (r *Repository) DeleteMonitoredNetwork(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.MonitoredNetwork{})
	if res.Error != nil {
		return false, fmt.Errorf("storage: delete monitored network %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
