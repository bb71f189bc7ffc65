// Package wizard defines the registration steps and decides which one comes
// next from the answers collected so far.
package wizard

import "kyc-onboarding/internal/model"

type Step string

const (
	StepMenu              Step = "MENU"
	StepRegistrationStart Step = "REGISTRATION_START"
	StepIDCardPhoto       Step = "id_card_photo"
	StepAgentName         Step = "agent_name"
	StepOwnerName         Step = "owner_name"
	StepBusinessField     Step = "business_field"
	StepPICName           Step = "pic_name"
	StepPICPhone          Step = "pic_phone"
	StepTaxNumber         Step = "tax_number"
	StepAccountHolderName Step = "account_holder_name"
	StepBankName          Step = "bank_name"
	StepAccountNumber     Step = "account_number"
	StepSignaturePhoto    Step = "signature_photo"
	StepLocationPhotos    Step = "location_photos"
	StepBankBookPhoto     Step = "bank_book_photo"
	StepTerms             Step = "terms"
	StepConfirmation      Step = "CONFIRMATION"
)

type field struct {
	step     Step
	answered func(model.FormData) bool
}

var order = []field{
	{StepIDCardPhoto, func(f model.FormData) bool { return f.IDCardPhoto != nil && f.IDCardNumber != "" }},
	{StepAgentName, func(f model.FormData) bool { return f.AgentName != "" }},
	{StepOwnerName, func(f model.FormData) bool { return f.OwnerName != "" }},
	{StepBusinessField, func(f model.FormData) bool { return f.BusinessField != "" }},
	{StepPICName, func(f model.FormData) bool { return f.PICName != "" }},
	{StepPICPhone, func(f model.FormData) bool { return f.PICPhone != "" }},
	// A pointer to NoTaxNumber is an answer; only nil is missing.
	{StepTaxNumber, func(f model.FormData) bool { return f.TaxNumber != nil }},
	{StepAccountHolderName, func(f model.FormData) bool { return f.AccountHolderName != "" }},
	{StepBankName, func(f model.FormData) bool { return f.BankName != "" }},
	{StepAccountNumber, func(f model.FormData) bool { return f.AccountNumber != "" }},
	{StepSignaturePhoto, func(f model.FormData) bool { return f.SignaturePhoto != nil }},
	{StepLocationPhotos, func(f model.FormData) bool { return f.LocationComplete() }},
	{StepBankBookPhoto, func(f model.FormData) bool { return f.BankBookPhoto != nil }},
	{StepTerms, func(f model.FormData) bool { return f.TermsAccepted }},
}

// Order returns the field steps in the order they are asked.
func Order() []Step {
	steps := make([]Step, 0, len(order))
	for _, f := range order {
		steps = append(steps, f.step)
	}
	return steps
}

// First is the first field step of the wizard.
func First() Step {
	return order[0].step
}

// NextStep returns the first unanswered step, or StepConfirmation when the
// form is complete. It only looks at form, never at a stored step pointer.
func NextStep(form model.FormData) Step {
	for _, f := range order {
		if !f.answered(form) {
			return f.step
		}
	}
	return StepConfirmation
}

// IsFieldStep reports whether s collects a form field.
func IsFieldStep(s Step) bool {
	for _, f := range order {
		if f.step == s {
			return true
		}
	}
	return false
}

// IsPhotoStep reports whether s expects a photo rather than text.
func IsPhotoStep(s Step) bool {
	switch s {
	case StepIDCardPhoto, StepSignaturePhoto, StepLocationPhotos, StepBankBookPhoto:
		return true
	default:
		return false
	}
}

// Position returns the 1-based index of s in Order, or 0 for non-field steps.
func Position(s Step) int {
	for i, f := range order {
		if f.step == s {
			return i + 1
		}
	}
	return 0
}
