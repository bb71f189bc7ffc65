package model

import (
	"time"

	"gorm.io/datatypes"
)

// Session is the in-progress registration of one user with one partner.
type Session struct {
	ID           uint                         `gorm:"primaryKey" json:"id"`
	PartnerID    uint                         `gorm:"not null;uniqueIndex:idx_session_partner_user" json:"partner_id"`
	TelegramID   int64                        `gorm:"not null;uniqueIndex:idx_session_partner_user" json:"telegram_id"`
	ChatID       int64                        `json:"chat_id"`
	Username     string                       `gorm:"size:191" json:"username"`
	FirstName    string                       `gorm:"size:191" json:"first_name"`
	LastName     string                       `gorm:"size:191" json:"last_name"`
	CurrentStep  string                       `gorm:"size:64;not null" json:"current_step"`
	IDCardNumber string                       `gorm:"size:32;index" json:"id_card_number"`
	FormData     datatypes.JSONType[FormData] `json:"form_data"`
	CreatedAt    time.Time                    `json:"created_at"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

// Form returns a copy of the collected answers.
func (s *Session) Form() FormData {
	return s.FormData.Data()
}

// SetForm replaces the collected answers and keeps the indexed ID number in sync.
func (s *Session) SetForm(form FormData) {
	s.FormData = datatypes.NewJSONType(form)
	s.IDCardNumber = form.IDCardNumber
}
