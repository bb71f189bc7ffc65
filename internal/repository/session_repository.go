package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kyc-onboarding/internal/model"
)

var sessionUpdateColumns = []string{
	"chat_id", "username", "first_name", "last_name",
	"current_step", "id_card_number", "form_data", "updated_at",
}

// SessionRepository persists in-progress registrations.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindByUser returns ErrNotFound when the user has no session with the partner.
func (r *SessionRepository) FindByUser(ctx context.Context, partnerID uint, telegramID int64) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).
		Where("partner_id = ? AND telegram_id = ?", partnerID, telegramID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// Upsert writes s keyed by (partner_id, telegram_id). The existing row is
// locked before deciding between update and insert, and a racing insert
// collapses into an update through the unique index.
func (r *SessionRepository) Upsert(ctx context.Context, s *model.Session) (*model.Session, error) {
	var saved model.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("partner_id = ? AND telegram_id = ?", s.PartnerID, s.TelegramID).
			First(&existing).Error
		switch {
		case err == nil:
			updates := map[string]interface{}{
				"chat_id":        s.ChatID,
				"username":       s.Username,
				"first_name":     s.FirstName,
				"last_name":      s.LastName,
				"current_step":   s.CurrentStep,
				"id_card_number": s.IDCardNumber,
				"form_data":      s.FormData,
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("update session: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := *s
			row.ID = 0
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "partner_id"}, {Name: "telegram_id"}},
				DoUpdates: clause.AssignmentColumns(sessionUpdateColumns),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("create session: %w", err)
			}
		default:
			return fmt.Errorf("lock session: %w", err)
		}

		return tx.Where("partner_id = ? AND telegram_id = ?", s.PartnerID, s.TelegramID).
			First(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// Delete removes the user's session, if any.
func (r *SessionRepository) Delete(ctx context.Context, partnerID uint, telegramID int64) error {
	if err := r.db.WithContext(ctx).
		Where("partner_id = ? AND telegram_id = ?", partnerID, telegramID).
		Delete(&model.Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Complete converts the session into app and its photos in one transaction.
// The session row is only removed when every insert succeeded; a session that
// is already gone aborts the whole conversion with ErrNotFound.
func (r *SessionRepository) Complete(ctx context.Context, s *model.Session, app *model.Application, photos []model.Photo) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(app).Error; err != nil {
			return fmt.Errorf("create application: %w", err)
		}

		for i := range photos {
			photos[i].ApplicationID = app.ID
			if err := tx.Create(&photos[i]).Error; err != nil {
				return fmt.Errorf("create %s photo: %w", photos[i].PhotoType, err)
			}
		}

		res := tx.Where("partner_id = ? AND telegram_id = ?", s.PartnerID, s.TelegramID).
			Delete(&model.Session{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		app.Photos = photos
		return nil
	})
}

// IDCardHolder finds another user of the partner whose session carries the
// same ID card number.
func (r *SessionRepository) IDCardHolder(ctx context.Context, partnerID uint, number string, excludeTelegramID int64) (int64, bool, error) {
	var session model.Session
	err := r.db.WithContext(ctx).Select("telegram_id").
		Where("partner_id = ? AND id_card_number = ? AND telegram_id <> ?", partnerID, number, excludeTelegramID).
		Order("id ASC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find session by id card: %w", err)
	}
	return session.TelegramID, true, nil
}

// ListIdleSince returns sessions not touched since before, oldest first.
func (r *SessionRepository) ListIdleSince(ctx context.Context, before time.Time) ([]model.Session, error) {
	var sessions []model.Session
	if err := r.db.WithContext(ctx).
		Where("updated_at < ?", before).
		Order("updated_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	return sessions, nil
}
