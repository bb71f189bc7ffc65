package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kyc-onboarding/internal/model"
)

var defaultReferences = map[string][]model.ReferenceItem{
	model.ReferenceBank: {
		{Code: "BCA", Name: "Bank Central Asia (BCA)"},
		{Code: "BRI", Name: "Bank Rakyat Indonesia (BRI)"},
		{Code: "BNI", Name: "Bank Negara Indonesia (BNI)"},
		{Code: "MANDIRI", Name: "Bank Mandiri"},
		{Code: "BSI", Name: "Bank Syariah Indonesia (BSI)"},
		{Code: "CIMB", Name: "CIMB Niaga"},
		{Code: "BTN", Name: "Bank Tabungan Negara (BTN)"},
		{Code: "PERMATA", Name: "Bank Permata"},
	},
	model.ReferenceBusinessField: {
		{Code: "PULSA", Name: "Pulsa & Paket Data"},
		{Code: "PPOB", Name: "PPOB & Pembayaran Tagihan"},
		{Code: "RETAIL", Name: "Toko Kelontong / Retail"},
		{Code: "FNB", Name: "Makanan & Minuman"},
		{Code: "ELEKTRONIK", Name: "Elektronik & Aksesoris"},
		{Code: "JASA", Name: "Jasa"},
		{Code: "LAINNYA", Name: "Lainnya"},
	},
}

// ReferenceRepository reads lookup lists offered in wizard prompts.
type ReferenceRepository struct {
	db *gorm.DB
}

func NewReferenceRepository(db *gorm.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// SeedDefaults inserts the built-in lists, leaving existing rows untouched.
func (r *ReferenceRepository) SeedDefaults() error {
	for kind, items := range defaultReferences {
		rows := make([]model.ReferenceItem, 0, len(items))
		for i, item := range items {
			item.Kind = kind
			item.Position = i + 1
			rows = append(rows, item)
		}
		if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return fmt.Errorf("seed %s references: %w", kind, err)
		}
	}
	return nil
}

func (r *ReferenceRepository) ListByKind(ctx context.Context, kind string) ([]model.ReferenceItem, error) {
	var items []model.ReferenceItem
	if err := r.db.WithContext(ctx).Where("kind = ?", kind).
		Order("position ASC, name ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list %s references: %w", kind, err)
	}
	return items, nil
}
