package model

// NoTaxNumber marks a tax number the user explicitly skipped.
const NoTaxNumber = "-"

// MaxLocationPhotos caps the number of business location photos.
const MaxLocationPhotos = 4

// PhotoRef points at a photo kept by the bot transport.
type PhotoRef struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
}

// FormData holds the answers collected by the registration wizard.
// A zero value field means the question has not been answered yet.
type FormData struct {
	IDCardPhoto        *PhotoRef  `json:"id_card_photo,omitempty"`
	IDCardNumber       string     `json:"id_card_number,omitempty"`
	AgentName          string     `json:"agent_name,omitempty"`
	OwnerName          string     `json:"owner_name,omitempty"`
	BusinessField      string     `json:"business_field,omitempty"`
	PICName            string     `json:"pic_name,omitempty"`
	PICPhone           string     `json:"pic_phone,omitempty"`
	TaxNumber          *string    `json:"tax_number,omitempty"`
	AccountHolderName  string     `json:"account_holder_name,omitempty"`
	BankName           string     `json:"bank_name,omitempty"`
	AccountNumber      string     `json:"account_number,omitempty"`
	SignaturePhoto     *PhotoRef  `json:"signature_photo,omitempty"`
	LocationPhotos     []PhotoRef `json:"location_photos,omitempty"`
	LocationPhotosDone bool       `json:"location_photos_done,omitempty"`
	BankBookPhoto      *PhotoRef  `json:"bank_book_photo,omitempty"`
	TermsAccepted      bool       `json:"terms_accepted,omitempty"`
}

// TaxSkipped reports whether the user chose not to provide a tax number.
func (f FormData) TaxSkipped() bool {
	return f.TaxNumber != nil && *f.TaxNumber == NoTaxNumber
}

// LocationComplete reports whether enough location photos were collected.
func (f FormData) LocationComplete() bool {
	if len(f.LocationPhotos) >= MaxLocationPhotos {
		return true
	}
	return f.LocationPhotosDone && len(f.LocationPhotos) > 0
}
