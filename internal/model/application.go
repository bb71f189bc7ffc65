package model

import "time"

type ApplicationStatus string

const (
	StatusDraft     ApplicationStatus = "draft"
	StatusConfirmed ApplicationStatus = "confirmed"
	StatusRejected  ApplicationStatus = "rejected"
)

const (
	EmeteraiPending = "pending"
	EmeteraiStamped = "stamped"
	EmeteraiFailed  = "failed"
)

const (
	PhotoIDCard    = "id_card"
	PhotoSignature = "signature"
	PhotoLocation  = "location"
	PhotoBankBook  = "bank_book"
)

// Application is a finalized KYC submission created from a completed session.
type Application struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	PartnerID         uint              `gorm:"not null;index" json:"partner_id"`
	TelegramID        int64             `gorm:"not null;index" json:"telegram_id"`
	ChatID            int64             `json:"chat_id"`
	Username          string            `gorm:"size:191" json:"username"`
	IDCardNumber      string            `gorm:"size:32;index" json:"id_card_number"`
	AgentName         string            `gorm:"size:191" json:"agent_name"`
	OwnerName         string            `gorm:"size:191" json:"owner_name"`
	BusinessField     string            `gorm:"size:191" json:"business_field"`
	PICName           string            `gorm:"size:191" json:"pic_name"`
	PICPhone          string            `gorm:"size:32" json:"pic_phone"`
	TaxNumber         string            `gorm:"size:32" json:"tax_number"`
	AccountHolderName string            `gorm:"size:191" json:"account_holder_name"`
	BankName          string            `gorm:"size:191" json:"bank_name"`
	AccountNumber     string            `gorm:"size:32" json:"account_number"`
	TermsAcceptedAt   time.Time         `json:"terms_accepted_at"`
	Status            ApplicationStatus `gorm:"size:16;not null;index;default:draft" json:"status"`
	ConfirmedBy       string            `gorm:"size:191" json:"confirmed_by,omitempty"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
	RejectedBy        string            `gorm:"size:191" json:"rejected_by,omitempty"`
	RejectedAt        *time.Time        `json:"rejected_at,omitempty"`
	Remark            string            `json:"remark,omitempty"`
	IsProcessed       bool              `gorm:"default:false" json:"is_processed"`
	IsReviewed        bool              `gorm:"default:false" json:"is_reviewed"`
	PDFURL            string            `json:"pdf_url,omitempty"`
	StampedPDFURL     string            `json:"stamped_pdf_url,omitempty"`
	EmeteraiStatus    string            `gorm:"size:16" json:"emeterai_status,omitempty"`
	Photos            []Photo           `gorm:"foreignKey:ApplicationID" json:"photos,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Photo is one image attached to an application.
type Photo struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ApplicationID uint      `gorm:"not null;index" json:"application_id"`
	PhotoType     string    `gorm:"size:32;not null" json:"photo_type"`
	FileID        string    `gorm:"size:191;not null" json:"file_id"`
	Position      int       `json:"position"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewApplication maps completed form answers onto an application in draft.
func NewApplication(s *Session, now time.Time) Application {
	form := s.Form()
	tax := ""
	if form.TaxNumber != nil && !form.TaxSkipped() {
		tax = *form.TaxNumber
	}
	return Application{
		PartnerID:         s.PartnerID,
		TelegramID:        s.TelegramID,
		ChatID:            s.ChatID,
		Username:          s.Username,
		IDCardNumber:      form.IDCardNumber,
		AgentName:         form.AgentName,
		OwnerName:         form.OwnerName,
		BusinessField:     form.BusinessField,
		PICName:           form.PICName,
		PICPhone:          form.PICPhone,
		TaxNumber:         tax,
		AccountHolderName: form.AccountHolderName,
		BankName:          form.BankName,
		AccountNumber:     form.AccountNumber,
		TermsAcceptedAt:   now,
		Status:            StatusDraft,
	}
}

// PhotosFromForm lists the photo rows a completed form produces.
func PhotosFromForm(form FormData) []Photo {
	var photos []Photo
	if form.IDCardPhoto != nil {
		photos = append(photos, Photo{PhotoType: PhotoIDCard, FileID: form.IDCardPhoto.FileID})
	}
	if form.SignaturePhoto != nil {
		photos = append(photos, Photo{PhotoType: PhotoSignature, FileID: form.SignaturePhoto.FileID})
	}
	for i, p := range form.LocationPhotos {
		photos = append(photos, Photo{PhotoType: PhotoLocation, FileID: p.FileID, Position: i + 1})
	}
	if form.BankBookPhoto != nil {
		photos = append(photos, Photo{PhotoType: PhotoBankBook, FileID: form.BankBookPhoto.FileID})
	}
	return photos
}
