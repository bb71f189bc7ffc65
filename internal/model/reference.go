package model

const (
	ReferenceBank          = "bank"
	ReferenceBusinessField = "business_field"
)

// ReferenceItem is a lookup entry (bank, business field) offered in prompts.
type ReferenceItem struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Kind     string `gorm:"size:32;not null;index:idx_reference_kind_code,unique" json:"kind"`
	Code     string `gorm:"size:32;index:idx_reference_kind_code,unique" json:"code,omitempty"`
	Name     string `gorm:"size:191;not null" json:"name"`
	Position int    `json:"position"`
}
