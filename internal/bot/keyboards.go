package bot

import (
	"strings"

	"kyc-onboarding/internal/model"
)

const (
	btnRegister = "📝 Daftar"
	btnContinue = "▶️ Lanjutkan"
	btnStatus   = "📄 Status"
	btnHelp     = "ℹ️ Bantuan"
	btnReset    = "🗑 Hapus Data"
	btnStart    = "🚀 Mulai"
	btnSkip     = "⏭️ Lewati"
	btnDone     = "✅ Selesai"
	btnAgree    = "✅ Setuju"
	btnConfirm  = "✅ Konfirmasi"
	btnRedo     = "🔁 Ulangi"
	btnBackMenu = "🏠 Menu"
	maxKeyRows  = 8
	keysPerRow  = 2
)

func mainMenuKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{
		{btnRegister, btnContinue},
		{btnStatus, btnHelp},
		{btnReset},
	}}
}

func registeredKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{{btnStatus, btnHelp}}}
}

func startKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{{btnStart}, {btnBackMenu}}}
}

func skipKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{{btnSkip}}}
}

func doneKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{{btnDone}}}
}

func termsKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{{btnAgree}}}
}

func confirmKeyboard() SendOptions {
	return SendOptions{Keyboard: [][]string{{btnConfirm}, {btnRedo, btnBackMenu}}}
}

func removeKeyboard() SendOptions {
	return SendOptions{RemoveKeyboard: true}
}

// referenceKeyboard lays reference items out two per row.
func referenceKeyboard(items []model.ReferenceItem) SendOptions {
	var rows [][]string
	var row []string
	for _, item := range items {
		row = append(row, item.Name)
		if len(row) == keysPerRow {
			rows = append(rows, row)
			row = nil
		}
		if len(rows) == maxKeyRows {
			break
		}
	}
	if len(row) > 0 && len(rows) < maxKeyRows {
		rows = append(rows, row)
	}
	return SendOptions{Keyboard: rows}
}

// normalizeInput lowercases text and strips a leading button emoji so that
// "✅ Konfirmasi" and "konfirmasi" match the same action.
func normalizeInput(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexByte(text, ' '); i > 0 && !startsWithASCII(text) {
		text = strings.TrimSpace(text[i+1:])
	}
	return text
}

func startsWithASCII(text string) bool {
	c := text[0]
	return c < 0x80
}

func matches(text string, words ...string) bool {
	norm := normalizeInput(text)
	for _, w := range words {
		if norm == normalizeInput(w) {
			return true
		}
	}
	return false
}
