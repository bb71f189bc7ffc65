package wizard

import (
	"errors"
	"testing"

	"kyc-onboarding/internal/model"
)

func strPtr(s string) *string { return &s }

func completeForm() model.FormData {
	return model.FormData{
		IDCardPhoto:        &model.PhotoRef{FileID: "ktp"},
		IDCardNumber:       "1234567890123456",
		AgentName:          "Vifa CELL",
		OwnerName:          "Budi Santoso",
		BusinessField:      "Retail",
		PICName:            "Sari",
		PICPhone:           "081234567890",
		TaxNumber:          strPtr(model.NoTaxNumber),
		AccountHolderName:  "Budi Santoso",
		BankName:           "BCA",
		AccountNumber:      "1234567890",
		SignaturePhoto:     &model.PhotoRef{FileID: "sig"},
		LocationPhotos:     []model.PhotoRef{{FileID: "loc1"}},
		LocationPhotosDone: true,
		BankBookPhoto:      &model.PhotoRef{FileID: "book"},
		TermsAccepted:      true,
	}
}

// clearFrom removes the answer for step and every step after it.
func clearFrom(form model.FormData, step Step) model.FormData {
	clearing := false
	for _, s := range Order() {
		if s == step {
			clearing = true
		}
		if !clearing {
			continue
		}
		switch s {
		case StepIDCardPhoto:
			form.IDCardPhoto, form.IDCardNumber = nil, ""
		case StepAgentName:
			form.AgentName = ""
		case StepOwnerName:
			form.OwnerName = ""
		case StepBusinessField:
			form.BusinessField = ""
		case StepPICName:
			form.PICName = ""
		case StepPICPhone:
			form.PICPhone = ""
		case StepTaxNumber:
			form.TaxNumber = nil
		case StepAccountHolderName:
			form.AccountHolderName = ""
		case StepBankName:
			form.BankName = ""
		case StepAccountNumber:
			form.AccountNumber = ""
		case StepSignaturePhoto:
			form.SignaturePhoto = nil
		case StepLocationPhotos:
			form.LocationPhotos, form.LocationPhotosDone = nil, false
		case StepBankBookPhoto:
			form.BankBookPhoto = nil
		case StepTerms:
			form.TermsAccepted = false
		}
	}
	return form
}

func TestNextStepEmptyForm(t *testing.T) {
	if got := NextStep(model.FormData{}); got != StepIDCardPhoto {
		t.Fatalf("expected %s, got %s", StepIDCardPhoto, got)
	}
}

func TestNextStepCompleteForm(t *testing.T) {
	if got := NextStep(completeForm()); got != StepConfirmation {
		t.Fatalf("expected %s, got %s", StepConfirmation, got)
	}
}

func TestNextStepResumesAtFirstMissingField(t *testing.T) {
	for _, step := range Order() {
		form := clearFrom(completeForm(), step)
		for i := 0; i < 3; i++ {
			if got := NextStep(form); got != step {
				t.Fatalf("call %d: expected %s, got %s", i, step, got)
			}
		}
	}
}

func TestNextStepIgnoresLaterAnswers(t *testing.T) {
	form := completeForm()
	form.OwnerName = ""
	if got := NextStep(form); got != StepOwnerName {
		t.Fatalf("expected %s, got %s", StepOwnerName, got)
	}
}

func TestNextStepTaxSkipCountsAsAnswered(t *testing.T) {
	form := clearFrom(completeForm(), StepAccountHolderName)
	if got := NextStep(form); got != StepAccountHolderName {
		t.Fatalf("expected %s, got %s", StepAccountHolderName, got)
	}
	form.TaxNumber = nil
	if got := NextStep(form); got != StepTaxNumber {
		t.Fatalf("expected %s once tax is unanswered, got %s", StepTaxNumber, got)
	}
}

func TestNextStepLocationPhotos(t *testing.T) {
	form := clearFrom(completeForm(), StepLocationPhotos)
	form.LocationPhotos = []model.PhotoRef{{FileID: "a"}}
	if got := NextStep(form); got != StepLocationPhotos {
		t.Fatalf("one photo without done should stay on %s, got %s", StepLocationPhotos, got)
	}
	form.LocationPhotosDone = true
	if got := NextStep(form); got != StepBankBookPhoto {
		t.Fatalf("expected %s, got %s", StepBankBookPhoto, got)
	}

	form = clearFrom(completeForm(), StepLocationPhotos)
	form.LocationPhotosDone = true
	if got := NextStep(form); got != StepLocationPhotos {
		t.Fatalf("done without photos should stay on %s, got %s", StepLocationPhotos, got)
	}

	form.LocationPhotosDone = false
	form.LocationPhotos = make([]model.PhotoRef, model.MaxLocationPhotos)
	if got := NextStep(form); got != StepBankBookPhoto {
		t.Fatalf("max photos should advance, got %s", got)
	}
}

func TestIDCardStepNeedsNumber(t *testing.T) {
	form := model.FormData{IDCardPhoto: &model.PhotoRef{FileID: "x"}}
	if got := NextStep(form); got != StepIDCardPhoto {
		t.Fatalf("expected %s, got %s", StepIDCardPhoto, got)
	}
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"ab", false},
		{"abc", true},
		{"  Vifa   CELL ", true},
		{"", false},
	}
	for _, tc := range cases {
		_, err := ValidateName(StepAgentName, tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("ValidateName(%q): ok=%v err=%v", tc.in, tc.ok, err)
		}
	}
	got, _ := ValidateName(StepAgentName, "  Vifa   CELL ")
	if got != "Vifa CELL" {
		t.Fatalf("expected normalized name, got %q", got)
	}
}

func TestValidatePhone(t *testing.T) {
	cases := map[string]bool{
		"081234567890":   true,
		"+6281234567890": true,
		"0812-3456-7890": true,
		"0712345":        false,
		"08123":          false,
		"abc":            false,
	}
	for in, ok := range cases {
		if _, err := ValidatePhone(in); (err == nil) != ok {
			t.Fatalf("ValidatePhone(%q): want ok=%v, err=%v", in, ok, err)
		}
	}
}

func TestValidateIDCardNumber(t *testing.T) {
	if _, err := ValidateIDCardNumber("1234567890123456"); err != nil {
		t.Fatalf("expected valid id, got %v", err)
	}
	_, err := ValidateIDCardNumber("123")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Step != StepIDCardPhoto {
		t.Fatalf("unexpected step %s", verr.Step)
	}
}

func TestValidateTaxNumber(t *testing.T) {
	if _, err := ValidateTaxNumber("12.345.678.9-012.345", false); err != nil {
		t.Fatalf("expected formatted tax number to pass, got %v", err)
	}
	if _, err := ValidateTaxNumber("1234", false); err == nil {
		t.Fatalf("expected short tax number to fail")
	}
	got, err := ValidateTaxNumber("", true)
	if err != nil || got != model.NoTaxNumber {
		t.Fatalf("expected skip marker, got %q err=%v", got, err)
	}
}

func TestValidateAccountNumber(t *testing.T) {
	if _, err := ValidateAccountNumber("1234567890"); err != nil {
		t.Fatalf("expected valid account, got %v", err)
	}
	if _, err := ValidateAccountNumber("12ab"); err == nil {
		t.Fatalf("expected invalid account")
	}
}

func TestFindIDCardNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"NIK: 1234567890123456", "1234567890123456"},
		{"3201.2345.6789.0123", "3201234567890123"},
		{"no digits", ""},
		{"12345678901234567", ""},
		{"123456789012345", ""},
		{"NIK 12345678901234567 lama", ""},
		{"12345678901234567, baru 3201234567890123", "3201234567890123"},
	}
	for _, tc := range cases {
		if got := FindIDCardNumber(tc.in); got != tc.want {
			t.Fatalf("FindIDCardNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
