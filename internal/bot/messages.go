package bot

import (
	"fmt"
	"html"
	"strings"

	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/wizard"
)

const (
	msgWelcome = "👋 Selamat datang di layanan pendaftaran mitra.\n\n" +
		"Pilih <b>📝 Daftar</b> untuk memulai pendaftaran atau <b>ℹ️ Bantuan</b> untuk melihat perintah."
	msgMenu              = "🏠 Menu utama. Silakan pilih salah satu tombol di bawah."
	msgMenuHint          = "Saya belum mengerti pesan Anda. Pilih menu di bawah atau ketik /bantuan."
	msgRegistrationIntro = "📝 <b>Pendaftaran Mitra</b>\n\n" +
		"Siapkan KTP, data usaha, NPWP (opsional), buku tabungan dan foto lokasi usaha.\n" +
		"Data Anda tersimpan otomatis, Anda bisa melanjutkan kapan saja dengan /lanjut.\n\n" +
		"Tekan <b>🚀 Mulai</b> atau langsung kirim foto KTP."
	msgStartHint         = "Tekan <b>🚀 Mulai</b> atau kirim foto KTP untuk memulai."
	msgResume            = "▶️ Melanjutkan pendaftaran Anda."
	msgResetDone         = "🗑 Data pendaftaran Anda telah dihapus."
	msgResetBusy         = "⏳ Data Anda sedang diproses. Silakan coba /reset lagi sebentar lagi."
	msgAlreadyRegistered = "✅ Anda sudah terdaftar. Gunakan /status untuk melihat status pendaftaran."
	msgUnknownCommand    = "Perintah tidak dikenal. Ketik /bantuan untuk daftar perintah."
	msgExpectPhoto       = "📷 Mohon kirim <b>foto</b>, bukan teks."
	msgExpectText        = "✍️ Mohon kirim jawaban dalam bentuk teks."
	msgIDNotReadable     = "NIK tidak terbaca. Kirim ulang foto KTP dengan caption berisi 16 digit NIK."
	msgIDDuplicate       = "NIK ini sudah terdaftar atau sedang digunakan pendaftar lain."
	msgLocationEmpty     = "Kirim minimal 1 foto lokasi usaha sebelum menekan Selesai."
	msgTermsRequired     = "Tekan <b>✅ Setuju</b> untuk menyetujui syarat dan ketentuan."
	msgConfirmHint       = "Tekan <b>✅ Konfirmasi</b> untuk mengirim, <b>🔁 Ulangi</b> untuk mengisi ulang atau <b>🏠 Menu</b> untuk kembali."
	msgCompleteFailed    = "⚠️ Pendaftaran belum berhasil disimpan. Silakan tekan <b>✅ Konfirmasi</b> lagi."
	msgRedo              = "🔁 Data dikosongkan. Kita mulai lagi dari awal."
	msgNotRegistered     = "Anda belum memiliki pendaftaran. Pilih <b>📝 Daftar</b> untuk memulai."
	msgHelp              = "ℹ️ <b>Bantuan</b>\n\n" +
		"/daftar - mulai pendaftaran\n" +
		"/lanjut - lanjutkan pendaftaran\n" +
		"/status - lihat status pendaftaran\n" +
		"/menu - kembali ke menu utama\n" +
		"/reset - hapus data pendaftaran\n" +
		"/bantuan - tampilkan bantuan ini"
)

var fieldPrompts = map[wizard.Step]string{
	wizard.StepIDCardPhoto:       "📷 Kirim <b>foto KTP</b> pemilik usaha dengan caption berisi <b>16 digit NIK</b>.",
	wizard.StepAgentName:         "🏪 Masukkan <b>nama agen / toko</b>.",
	wizard.StepOwnerName:         "👤 Masukkan <b>nama pemilik</b> sesuai KTP.",
	wizard.StepBusinessField:     "🏷 Pilih atau ketik <b>bidang usaha</b>.",
	wizard.StepPICName:           "🧑‍💼 Masukkan <b>nama penanggung jawab (PIC)</b>.",
	wizard.StepPICPhone:          "📞 Masukkan <b>nomor HP PIC</b>, contoh 081234567890.",
	wizard.StepTaxNumber:         "🧾 Masukkan <b>NPWP</b> (15 digit) atau tekan <b>⏭️ Lewati</b>.",
	wizard.StepAccountHolderName: "👤 Masukkan <b>nama pemilik rekening</b>.",
	wizard.StepBankName:          "🏦 Pilih atau ketik <b>nama bank</b>.",
	wizard.StepAccountNumber:     "💳 Masukkan <b>nomor rekening</b>.",
	wizard.StepSignaturePhoto:    "✍️ Kirim <b>foto tanda tangan</b> pemilik.",
	wizard.StepLocationPhotos:    "📍 Kirim <b>foto lokasi usaha</b> (1 sampai 4 foto). Tekan <b>✅ Selesai</b> jika sudah.",
	wizard.StepBankBookPhoto:     "📘 Kirim <b>foto buku tabungan</b> halaman depan.",
	wizard.StepTerms: "📜 <b>Syarat dan Ketentuan</b>\n" +
		"Dengan menekan Setuju, Anda menyatakan data yang dikirim benar dan bersedia diverifikasi.",
}

var genericChoicePrompt = map[wizard.Step]string{
	wizard.StepBusinessField: "🏷 Ketik <b>bidang usaha</b> Anda.",
	wizard.StepBankName:      "🏦 Ketik <b>nama bank</b> Anda.",
}

func stepPrompt(step wizard.Step) string {
	text := fieldPrompts[step]
	if pos := wizard.Position(step); pos > 0 {
		text = fmt.Sprintf("<i>Langkah %d dari %d</i>\n%s", pos, len(wizard.Order()), text)
	}
	return text
}

func locationAck(count int) string {
	return fmt.Sprintf("📍 Foto lokasi %d/%d diterima. Kirim foto lagi atau tekan <b>✅ Selesai</b>.", count, model.MaxLocationPhotos)
}

func completedText(app *model.Application) string {
	return fmt.Sprintf("🎉 Terima kasih! Pendaftaran Anda telah kami terima dengan nomor <b>#%d</b>.\n"+
		"Tim kami akan memverifikasi data Anda.", app.ID)
}

var statusLabels = map[model.ApplicationStatus]string{
	model.StatusDraft:     "⏳ Menunggu verifikasi",
	model.StatusConfirmed: "✅ Dikonfirmasi",
	model.StatusRejected:  "❌ Ditolak",
}

func applicationStatusText(app *model.Application) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📄 <b>Pendaftaran #%d</b>\n", app.ID))
	b.WriteString(fmt.Sprintf("Agen: %s\n", html.EscapeString(app.AgentName)))
	b.WriteString(fmt.Sprintf("Status: %s\n", statusLabels[app.Status]))
	b.WriteString(fmt.Sprintf("Dikirim: %s", app.CreatedAt.Format("02-01-2006 15:04")))
	if app.Remark != "" {
		b.WriteString("\nCatatan: " + html.EscapeString(app.Remark))
	}
	return b.String()
}

func progressText(form model.FormData) string {
	next := wizard.NextStep(form)
	if next == wizard.StepConfirmation {
		return "Semua data sudah lengkap, tinggal konfirmasi. Ketik /lanjut."
	}
	return fmt.Sprintf("Pendaftaran sedang berjalan: langkah %d dari %d. Ketik /lanjut.", wizard.Position(next), len(wizard.Order()))
}

// summaryText lists the collected answers for the final confirmation.
func summaryText(form model.FormData) string {
	tax := "-"
	if form.TaxNumber != nil && !form.TaxSkipped() {
		tax = *form.TaxNumber
	}
	rows := [][2]string{
		{"NIK", form.IDCardNumber},
		{"Nama Agen", form.AgentName},
		{"Nama Pemilik", form.OwnerName},
		{"Bidang Usaha", form.BusinessField},
		{"Nama PIC", form.PICName},
		{"No. HP PIC", form.PICPhone},
		{"NPWP", tax},
		{"Pemilik Rekening", form.AccountHolderName},
		{"Bank", form.BankName},
		{"No. Rekening", form.AccountNumber},
	}

	var b strings.Builder
	b.WriteString("📋 <b>Ringkasan Pendaftaran</b>\n\n")
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("%s: <b>%s</b>\n", r[0], html.EscapeString(r[1])))
	}
	b.WriteString(fmt.Sprintf("Foto lokasi: %d\n\n", len(form.LocationPhotos)))
	b.WriteString(msgConfirmHint)
	return b.String()
}
