package wizard

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"kyc-onboarding/internal/model"
)

const (
	minNameLength = 3
	maxNameLength = 100
)

var (
	phonePattern         = regexp.MustCompile(`^(\+62|62|0)8[1-9][0-9]{6,11}$`)
	idCardPattern        = regexp.MustCompile(`^[0-9]{16}$`)
	taxNumberPattern     = regexp.MustCompile(`^[0-9]{15}$`)
	accountNumberPattern = regexp.MustCompile(`^[0-9]{5,20}$`)
	idCardSearchPattern  = regexp.MustCompile(`(?:^|\D)([0-9]{16})(?:\D|$)`)
)

// ValidationError carries the message shown to the user for a rejected answer.
type ValidationError struct {
	Step    Step
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Step, e.Message)
}

func invalid(step Step, msg string) *ValidationError {
	return &ValidationError{Step: step, Message: msg}
}

// ValidateName checks a person or business name.
func ValidateName(step Step, raw string) (string, error) {
	value := strings.Join(strings.Fields(raw), " ")
	n := utf8.RuneCountInString(value)
	if n < minNameLength {
		return "", invalid(step, fmt.Sprintf("Minimal %d karakter.", minNameLength))
	}
	if n > maxNameLength {
		return "", invalid(step, fmt.Sprintf("Maksimal %d karakter.", maxNameLength))
	}
	return value, nil
}

// ValidatePhone checks an Indonesian mobile number.
func ValidatePhone(raw string) (string, error) {
	value := stripSeparators(raw, " ", "-")
	if !phonePattern.MatchString(value) {
		return "", invalid(StepPICPhone, "Nomor HP tidak valid. Contoh: 081234567890.")
	}
	return value, nil
}

// ValidateIDCardNumber checks a 16 digit national ID number.
func ValidateIDCardNumber(raw string) (string, error) {
	value := stripSeparators(raw, " ", ".", "-")
	if !idCardPattern.MatchString(value) {
		return "", invalid(StepIDCardPhoto, "NIK harus 16 digit angka.")
	}
	return value, nil
}

// ValidateTaxNumber checks a 15 digit tax number. A skip answer yields
// the skip marker and no error.
func ValidateTaxNumber(raw string, skip bool) (string, error) {
	if skip {
		return model.NoTaxNumber, nil
	}
	value := stripSeparators(raw, " ", ".", "-")
	if !taxNumberPattern.MatchString(value) {
		return "", invalid(StepTaxNumber, "NPWP harus 15 digit angka, atau pilih Lewati.")
	}
	return value, nil
}

// ValidateAccountNumber checks a bank account number.
func ValidateAccountNumber(raw string) (string, error) {
	value := stripSeparators(raw, " ", ".", "-")
	if !accountNumberPattern.MatchString(value) {
		return "", invalid(StepAccountNumber, "Nomor rekening harus 5 sampai 20 digit angka.")
	}
	return value, nil
}

// ValidateChoice accepts free text of a reasonable length when no list is available.
func ValidateChoice(step Step, raw string) (string, error) {
	value := strings.Join(strings.Fields(raw), " ")
	if value == "" {
		return "", invalid(step, "Pilihan tidak boleh kosong.")
	}
	if utf8.RuneCountInString(value) > maxNameLength {
		return "", invalid(step, fmt.Sprintf("Maksimal %d karakter.", maxNameLength))
	}
	return value, nil
}

// FindIDCardNumber pulls the first run of exactly 16 digits out of free text.
// Longer digit runs never match.
func FindIDCardNumber(text string) string {
	m := idCardSearchPattern.FindStringSubmatch(stripSeparators(text, ".", "-"))
	if m == nil {
		return ""
	}
	return m[1]
}

func stripSeparators(raw string, seps ...string) string {
	value := strings.TrimSpace(raw)
	for _, sep := range seps {
		value = strings.ReplaceAll(value, sep, "")
	}
	return value
}
