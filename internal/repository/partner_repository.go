package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"kyc-onboarding/internal/model"
)

// PartnerRepository handles CRUD for partners.
type PartnerRepository struct {
	db *gorm.DB
}

func NewPartnerRepository(db *gorm.DB) *PartnerRepository {
	return &PartnerRepository{db: db}
}

// UpsertByCode finds or creates a partner by code and refreshes its name and token.
func (r *PartnerRepository) UpsertByCode(ctx context.Context, code, name, botToken string) (*model.Partner, error) {
	var partner model.Partner
	db := r.db.WithContext(ctx)
	err := db.Where("code = ?", code).First(&partner).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"name":      name,
			"bot_token": botToken,
			"is_active": true,
		}
		if err := db.Model(&partner).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update partner: %w", err)
		}
		return &partner, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		partner = model.Partner{
			Code:     code,
			Name:     name,
			BotToken: botToken,
			IsActive: true,
		}
		if err := db.Create(&partner).Error; err != nil {
			return nil, fmt.Errorf("create partner: %w", err)
		}
		return &partner, nil
	default:
		return nil, fmt.Errorf("find partner: %w", err)
	}
}

func (r *PartnerRepository) FindByID(ctx context.Context, id uint) (*model.Partner, error) {
	var partner model.Partner
	err := r.db.WithContext(ctx).First(&partner, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find partner: %w", err)
	}
	return &partner, nil
}

// ListActive returns partners whose bots should be running.
func (r *PartnerRepository) ListActive(ctx context.Context) ([]model.Partner, error) {
	var partners []model.Partner
	if err := r.db.WithContext(ctx).Where("is_active = ? AND bot_token <> ''", true).
		Order("id ASC").
		Find(&partners).Error; err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	return partners, nil
}
