package storage

import (
	"context"
	"fmt"

	"github.com/vesaa/tapwatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveTapState upserts a tap and all of its buses, channels and captures by
// identity in a single transaction.
func (r *Repository) SaveTapState(ctx context.Context, state models.TapState) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{UpdateAll: true})
		if err := upsert.Create(&state.Tap).Error; err != nil {
			return fmt.Errorf("tap: %w", err)
		}
		if len(state.Buses) > 0 {
			if err := upsert.Create(&state.Buses).Error; err != nil {
				return fmt.Errorf("buses: %w", err)
			}
		}
		if len(state.Channels) > 0 {
			if err := upsert.Create(&state.Channels).Error; err != nil {
				return fmt.Errorf("channels: %w", err)
			}
		}
		if len(state.Captures) > 0 {
			if err := upsert.Create(&state.Captures).Error; err != nil {
				return fmt.Errorf("captures: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: save tap %s: %w", state.Tap.UUID, err)
	}
	return nil
}

// LoadTapStates returns every stored tap with its children.
func (r *Repository) LoadTapStates(ctx context.Context) ([]models.TapState, error) {
	db := r.db.WithContext(ctx)

	var taps []models.Tap
	if err := db.Order("name, uuid").Find(&taps).Error; err != nil {
		return nil, fmt.Errorf("storage: load taps: %w", err)
	}
	var buses []models.Bus
	if err := db.Order("name").Find(&buses).Error; err != nil {
		return nil, fmt.Errorf("storage: load buses: %w", err)
	}
	var channels []models.Channel
	if err := db.Order("name").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("storage: load channels: %w", err)
	}
	var captures []models.Capture
	if err := db.Order("interface_name").Find(&captures).Error; err != nil {
		return nil, fmt.Errorf("storage: load captures: %w", err)
	}

	busTap := make(map[string]string, len(buses))
	states := make(map[string]*models.TapState, len(taps))
	for _, t := range taps {
		states[t.UUID] = &models.TapState{Tap: t}
	}
	for _, b := range buses {
		busTap[b.ID] = b.TapUUID
		if s, ok := states[b.TapUUID]; ok {
			s.Buses = append(s.Buses, b)
		}
	}
	for _, c := range channels {
		if s, ok := states[busTap[c.BusID]]; ok {
			s.Channels = append(s.Channels, c)
		}
	}
	for _, c := range captures {
		if s, ok := states[c.TapUUID]; ok {
			s.Captures = append(s.Captures, c)
		}
	}

	out := make([]models.TapState, 0, len(taps))
	for _, t := range taps {
		out = append(out, *states[t.UUID])
	}
	return out, nil
}
