package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"kyc-onboarding/internal/model"
)

const defaultListLimit = 50

// ApplicationFilter narrows an application listing.
type ApplicationFilter struct {
	Status      model.ApplicationStatus
	IsProcessed *bool
	IsReviewed  *bool
	Limit       int
	Offset      int
}

// ApplicationRepository reads and updates finalized submissions.
type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// List returns one page of the partner's applications, newest first, and the
// total number of matching rows.
func (r *ApplicationRepository) List(ctx context.Context, partnerID uint, f ApplicationFilter) ([]model.Application, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Application{}).Where("partner_id = ?", partnerID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.IsProcessed != nil {
		q = q.Where("is_processed = ?", *f.IsProcessed)
	}
	if f.IsReviewed != nil {
		q = q.Where("is_reviewed = ?", *f.IsReviewed)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count applications: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var apps []model.Application
	if err := q.Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&apps).Error; err != nil {
		return nil, 0, fmt.Errorf("list applications: %w", err)
	}
	return apps, total, nil
}

// FindByID loads an application of the partner together with its photos.
func (r *ApplicationRepository) FindByID(ctx context.Context, partnerID, id uint) (*model.Application, error) {
	var app model.Application
	err := r.db.WithContext(ctx).
		Preload("Photos", func(db *gorm.DB) *gorm.DB {
			return db.Order("photo_type ASC, position ASC, id ASC")
		}).
		Where("partner_id = ? AND id = ?", partnerID, id).
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find application: %w", err)
	}
	return &app, nil
}

// FindByUser returns the most recent application a user submitted to the partner.
func (r *ApplicationRepository) FindByUser(ctx context.Context, partnerID uint, telegramID int64) (*model.Application, error) {
	var app model.Application
	err := r.db.WithContext(ctx).
		Where("partner_id = ? AND telegram_id = ?", partnerID, telegramID).
		Order("id DESC").
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user application: %w", err)
	}
	return &app, nil
}

func (r *ApplicationRepository) ExistsForUser(ctx context.Context, partnerID uint, telegramID int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("partner_id = ? AND telegram_id = ?", partnerID, telegramID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("count user applications: %w", err)
	}
	return count > 0, nil
}

// IDCardHolder returns the user whose application carries the ID card number.
func (r *ApplicationRepository) IDCardHolder(ctx context.Context, partnerID uint, number string) (int64, bool, error) {
	var app model.Application
	err := r.db.WithContext(ctx).Select("telegram_id").
		Where("partner_id = ? AND id_card_number = ?", partnerID, number).
		Order("id ASC").
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find application by id card: %w", err)
	}
	return app.TelegramID, true, nil
}

// Transition moves an application from one status to another and applies
// updates in the same statement. It reports false when the row was not in
// the expected status, so two admins cannot both win.
func (r *ApplicationRepository) Transition(ctx context.Context, partnerID, id uint, from, to model.ApplicationStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("partner_id = ? AND id = ? AND status = ?", partnerID, id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("update application status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Update writes arbitrary columns of an application owned by the partner.
func (r *ApplicationRepository) Update(ctx context.Context, partnerID, id uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("partner_id = ? AND id = ?", partnerID, id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update application: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
