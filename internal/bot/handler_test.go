package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"kyc-onboarding/internal/cache"
	"kyc-onboarding/internal/events"
	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/repository"
	"kyc-onboarding/internal/service"
	"kyc-onboarding/internal/wizard"
)

type sentMessage struct {
	chatID int64
	text   string
	opts   SendOptions
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSender) SendMessage(_ context.Context, _ uint, chatID int64, text string, opts SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, opts: opts})
	return nil
}

func (s *fakeSender) last(t *testing.T) sentMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatalf("no message sent")
	}
	return s.sent[len(s.sent)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ApplicationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e events.ApplicationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type failingRefs struct{}

func (failingRefs) Banks(context.Context) ([]model.ReferenceItem, error) {
	return nil, errors.New("reference store down")
}

func (failingRefs) BusinessFields(context.Context) ([]model.ReferenceItem, error) {
	return nil, errors.New("reference store down")
}

type handlerEnv struct {
	db       *gorm.DB
	cache    cache.Provider
	sessions *service.SessionService
	apps     *service.ApplicationService
	events   *recordingPublisher
	sender   *fakeSender
	handler  *Handler
	nextID   int
}

func newHandlerEnv(t *testing.T, refs ReferenceLister) *handlerEnv {
	t.Helper()
	db, err := repository.NewDB("sqlite", filepath.Join(t.TempDir(), "kyc.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	provider := cache.NewMemoryProvider(time.Minute)
	t.Cleanup(func() {
		_ = provider.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	appRepo := repository.NewApplicationRepository(db)
	sessions := service.NewSessionService(repository.NewSessionRepository(db), appRepo, provider, nil, service.SessionOptions{
		LockAttempts:   2,
		LockRetryDelay: 10 * time.Millisecond,
	})
	publisher := &recordingPublisher{}
	apps := service.NewApplicationService(appRepo, nil, publisher, nil, nil)
	if refs == nil {
		refs = service.NewReferenceService(repository.NewReferenceRepository(db), provider, nil)
	}
	sender := &fakeSender{}
	return &handlerEnv{
		db:       db,
		cache:    provider,
		sessions: sessions,
		apps:     apps,
		events:   publisher,
		sender:   sender,
		handler:  NewHandler(sessions, apps, refs, sender, nil, nil),
	}
}

func (e *handlerEnv) message(userID int64, text string) InboundMessage {
	e.nextID++
	msg := InboundMessage{
		PartnerID: 1,
		UserID:    userID,
		ChatID:    userID,
		MessageID: e.nextID,
		FirstName: "Vifa",
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		msg.Command = strings.TrimPrefix(text, "/")
	}
	return msg
}

func (e *handlerEnv) send(t *testing.T, userID int64, text string) sentMessage {
	t.Helper()
	if err := e.handler.Handle(context.Background(), e.message(userID, text)); err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return e.sender.last(t)
}

func (e *handlerEnv) sendPhoto(t *testing.T, userID int64, fileID, caption string) sentMessage {
	t.Helper()
	msg := e.message(userID, "")
	msg.PhotoFileID = fileID
	msg.PhotoUniqueID = fileID + "-u"
	msg.Caption = caption
	if err := e.handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle photo %s: %v", fileID, err)
	}
	return e.sender.last(t)
}

func (e *handlerEnv) session(t *testing.T, userID int64) *model.Session {
	t.Helper()
	s, err := e.sessions.GetActiveSession(context.Background(), 1, userID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

// fillForm answers every step after the ID card directly in the store.
func (e *handlerEnv) fillForm(t *testing.T, userID int64) {
	t.Helper()
	session := e.session(t, userID)
	form := session.Form()
	tax := model.NoTaxNumber
	if form.AgentName == "" {
		form.AgentName = "Vifa CELL"
	}
	form.OwnerName = "Vifa Andini"
	form.BusinessField = "Pulsa & Paket Data"
	form.PICName = "Vifa Andini"
	form.PICPhone = "081234567890"
	form.TaxNumber = &tax
	form.AccountHolderName = "Vifa Andini"
	form.BankName = "BCA"
	form.AccountNumber = "12345678"
	form.SignaturePhoto = &model.PhotoRef{FileID: "sig"}
	form.LocationPhotos = []model.PhotoRef{{FileID: "l1"}, {FileID: "l2"}, {FileID: "l3"}, {FileID: "l4"}}
	form.BankBookPhoto = &model.PhotoRef{FileID: "book"}
	form.TermsAccepted = true
	session.SetForm(form)
	if _, err := e.sessions.CreateOrUpdateSession(context.Background(), session); err != nil {
		t.Fatalf("save session: %v", err)
	}
}

func TestHandlerFullRegistration(t *testing.T) {
	env := newHandlerEnv(t, nil)
	const user = int64(501)

	reply := env.send(t, user, "halo")
	if reply.text != msgMenuHint {
		t.Fatalf("first reply = %q", reply.text)
	}
	if s := env.session(t, user); s == nil || s.CurrentStep != string(wizard.StepMenu) {
		t.Fatalf("expected MENU session, got %+v", s)
	}

	reply = env.sendPhoto(t, user, "ktp", "NIK 3201-2345-6789-0123")
	if reply.text != stepPrompt(wizard.StepAgentName) {
		t.Fatalf("after id photo got %q", reply.text)
	}
	s := env.session(t, user)
	if s.CurrentStep != string(wizard.StepAgentName) || s.Form().IDCardNumber != "3201234567890123" {
		t.Fatalf("unexpected session after id photo: step=%s form=%+v", s.CurrentStep, s.Form())
	}

	env.send(t, user, "Vifa CELL")
	env.send(t, user, "Vifa Andini")
	reply = env.send(t, user, "Pulsa & Paket Data")
	if len(reply.opts.Keyboard) != 0 {
		t.Fatalf("pic name prompt should not carry choices: %+v", reply.opts)
	}
	env.send(t, user, "Vifa Andini")
	reply = env.send(t, user, "0812-3456-7890")
	if len(reply.opts.Keyboard) != 1 || reply.opts.Keyboard[0][0] != btnSkip {
		t.Fatalf("tax prompt keyboard = %+v", reply.opts)
	}
	env.send(t, user, btnSkip)
	reply = env.send(t, user, "Vifa Andini")
	if len(reply.opts.Keyboard) == 0 || reply.opts.Keyboard[0][0] != "Bank Central Asia (BCA)" {
		t.Fatalf("bank prompt keyboard = %+v", reply.opts)
	}
	env.send(t, user, "Bank Mandiri")
	env.send(t, user, "1234567890")
	env.sendPhoto(t, user, "sig", "")

	reply = env.sendPhoto(t, user, "loc1", "")
	if reply.text != locationAck(1) {
		t.Fatalf("location ack = %q", reply.text)
	}
	env.sendPhoto(t, user, "loc2", "")
	reply = env.send(t, user, btnDone)
	if reply.text != stepPrompt(wizard.StepBankBookPhoto) {
		t.Fatalf("after location done got %q", reply.text)
	}
	env.sendPhoto(t, user, "book", "")
	reply = env.send(t, user, btnAgree)
	if !strings.Contains(reply.text, "Ringkasan Pendaftaran") || !strings.Contains(reply.text, "Vifa CELL") {
		t.Fatalf("summary = %q", reply.text)
	}

	form := env.session(t, user).Form()
	if !form.TaxSkipped() || form.PICPhone != "081234567890" || len(form.LocationPhotos) != 2 {
		t.Fatalf("unexpected form before confirm: %+v", form)
	}

	reply = env.send(t, user, btnConfirm)
	if !strings.Contains(reply.text, "Terima kasih") {
		t.Fatalf("completion reply = %q", reply.text)
	}
	if s := env.session(t, user); s != nil {
		t.Fatalf("session should be removed, got %+v", s)
	}

	app, err := env.apps.FindForUser(context.Background(), 1, user)
	if err != nil || app == nil {
		t.Fatalf("find application: app=%v err=%v", app, err)
	}
	if app.Status != model.StatusDraft || app.AgentName != "Vifa CELL" || app.TaxNumber != "" {
		t.Fatalf("unexpected application: %+v", app)
	}
	if len(env.events.events) != 1 || env.events.events[0].Type != events.TypeApplicationCreated || env.events.events[0].ApplicationID != app.ID {
		t.Fatalf("expected one created event, got %+v", env.events.events)
	}
	var photos int64
	env.db.Model(&model.Photo{}).Where("application_id = ?", app.ID).Count(&photos)
	if photos != 5 {
		t.Fatalf("expected 5 photos, got %d", photos)
	}

	reply = env.send(t, user, "halo lagi")
	if reply.text != msgAlreadyRegistered {
		t.Fatalf("registered user reply = %q", reply.text)
	}
	reply = env.send(t, user, "/daftar")
	if reply.text != msgAlreadyRegistered {
		t.Fatalf("registered user /daftar reply = %q", reply.text)
	}
	reply = env.send(t, user, "/status")
	if !strings.Contains(reply.text, "Menunggu verifikasi") {
		t.Fatalf("status reply = %q", reply.text)
	}
	if env.session(t, user) != nil {
		t.Fatalf("registered user must not get a new session")
	}
}

func TestHandlerRejectsInvalidAnswers(t *testing.T) {
	env := newHandlerEnv(t, nil)
	const user = int64(502)

	env.send(t, user, "/daftar")
	if s := env.session(t, user); s.CurrentStep != string(wizard.StepRegistrationStart) {
		t.Fatalf("step after /daftar = %s", s.CurrentStep)
	}
	reply := env.send(t, user, btnStart)
	if reply.text != stepPrompt(wizard.StepIDCardPhoto) {
		t.Fatalf("start reply = %q", reply.text)
	}

	reply = env.send(t, user, "3201234567890123")
	if reply.text != "⚠️ "+msgExpectPhoto {
		t.Fatalf("text at photo step = %q", reply.text)
	}
	reply = env.sendPhoto(t, user, "ktp", "")
	if reply.text != "⚠️ "+msgIDNotReadable {
		t.Fatalf("photo without caption = %q", reply.text)
	}
	reply = env.sendPhoto(t, user, "ktp", "12345678901234567")
	if reply.text != "⚠️ "+msgIDNotReadable {
		t.Fatalf("17 digit caption = %q", reply.text)
	}
	if s := env.session(t, user); s.Form().IDCardNumber != "" || s.CurrentStep != string(wizard.StepIDCardPhoto) {
		t.Fatalf("17 digit caption must not be stored: step=%s form=%+v", s.CurrentStep, s.Form())
	}
	reply = env.sendPhoto(t, user, "ktp", "NIK 3201234567890123")
	if reply.text != stepPrompt(wizard.StepAgentName) {
		t.Fatalf("valid id photo = %q", reply.text)
	}

	reply = env.send(t, user, "ab")
	if !strings.Contains(reply.text, "Minimal 3") {
		t.Fatalf("short name reply = %q", reply.text)
	}
	reply = env.sendPhoto(t, user, "oops", "")
	if reply.text != "⚠️ "+msgExpectText {
		t.Fatalf("photo at text step = %q", reply.text)
	}
	s := env.session(t, user)
	if s.CurrentStep != string(wizard.StepAgentName) || s.Form().AgentName != "" {
		t.Fatalf("invalid answers must not persist: step=%s form=%+v", s.CurrentStep, s.Form())
	}
}

func TestHandlerBlocksDuplicateIDCard(t *testing.T) {
	env := newHandlerEnv(t, nil)

	env.sendPhoto(t, 601, "ktp-a", "3201234567890123")
	reply := env.sendPhoto(t, 602, "ktp-b", "3201234567890123")
	if reply.text != "⚠️ "+msgIDDuplicate {
		t.Fatalf("duplicate id reply = %q", reply.text)
	}
	if s := env.session(t, 602); s.Form().IDCardPhoto != nil {
		t.Fatalf("duplicate id must not be stored: %+v", s.Form())
	}

	// The holder can resend its own card.
	reply = env.send(t, 601, "/reset")
	if reply.text != msgResetDone {
		t.Fatalf("reset reply = %q", reply.text)
	}
	reply = env.sendPhoto(t, 601, "ktp-a2", "3201234567890123")
	if reply.text != stepPrompt(wizard.StepAgentName) {
		t.Fatalf("holder resend = %q", reply.text)
	}
}

func TestHandlerReferenceFailureFallsBackToFreeText(t *testing.T) {
	env := newHandlerEnv(t, failingRefs{})
	const user = int64(701)

	env.sendPhoto(t, user, "ktp", "3201234567890123")
	env.send(t, user, "Vifa CELL")
	reply := env.send(t, user, "Vifa Andini")
	if reply.text != genericChoicePrompt[wizard.StepBusinessField] || !reply.opts.RemoveKeyboard {
		t.Fatalf("business field prompt = %q %+v", reply.text, reply.opts)
	}
	reply = env.send(t, user, "Toko Kelontong")
	if reply.text != stepPrompt(wizard.StepPICName) {
		t.Fatalf("free text choice not accepted: %q", reply.text)
	}
	if got := env.session(t, user).Form().BusinessField; got != "Toko Kelontong" {
		t.Fatalf("business field = %q", got)
	}
}

func TestHandlerResumeAndRedo(t *testing.T) {
	env := newHandlerEnv(t, nil)
	const user = int64(801)

	env.sendPhoto(t, user, "ktp", "3201234567890123")
	env.send(t, user, "Vifa CELL")
	env.send(t, user, "/menu")
	if s := env.session(t, user); s.CurrentStep != string(wizard.StepMenu) {
		t.Fatalf("step after /menu = %s", s.CurrentStep)
	}

	reply := env.send(t, user, btnContinue)
	if reply.text != stepPrompt(wizard.StepOwnerName) {
		t.Fatalf("resume prompt = %q", reply.text)
	}

	env.fillForm(t, user)

	reply = env.send(t, user, "apa ini")
	if !strings.Contains(reply.text, "Ringkasan Pendaftaran") {
		t.Fatalf("complete form should show summary, got %q", reply.text)
	}
	reply = env.send(t, user, btnRedo)
	if reply.text != stepPrompt(wizard.First()) {
		t.Fatalf("redo prompt = %q", reply.text)
	}
	if s := env.session(t, user); s.Form().IDCardNumber != "" || s.CurrentStep != string(wizard.First()) {
		t.Fatalf("redo must clear the form: %+v", s)
	}
}

func TestHandlerRedoReleasesIDCard(t *testing.T) {
	env := newHandlerEnv(t, nil)

	env.sendPhoto(t, 601, "ktp-a", "3201234567890123")
	reply := env.sendPhoto(t, 602, "ktp-b", "3201234567890123")
	if reply.text != "⚠️ "+msgIDDuplicate {
		t.Fatalf("duplicate id reply = %q", reply.text)
	}

	env.fillForm(t, 601)
	env.send(t, 601, "apa ini")
	env.send(t, 601, btnRedo)

	reply = env.sendPhoto(t, 602, "ktp-b", "3201234567890123")
	if reply.text != stepPrompt(wizard.StepAgentName) {
		t.Fatalf("released id should be accepted, got %q", reply.text)
	}
	if got := env.session(t, 602).Form().IDCardNumber; got != "3201234567890123" {
		t.Fatalf("id card number = %q", got)
	}
}

func TestHandlerMenuAtConfirmationKeepsForm(t *testing.T) {
	env := newHandlerEnv(t, nil)
	const user = int64(811)

	env.sendPhoto(t, user, "ktp", "3201234567890123")
	env.fillForm(t, user)
	env.send(t, user, "apa ini")

	reply := env.send(t, user, btnBackMenu)
	if reply.text != msgMenu {
		t.Fatalf("menu reply = %q", reply.text)
	}
	s := env.session(t, user)
	if s.CurrentStep != string(wizard.StepMenu) || !s.Form().TermsAccepted || s.Form().IDCardNumber != "3201234567890123" {
		t.Fatalf("menu must keep the form: step=%s form=%+v", s.CurrentStep, s.Form())
	}

	reply = env.send(t, user, "/lanjut")
	if !strings.Contains(reply.text, "Ringkasan Pendaftaran") {
		t.Fatalf("resume should land on the summary, got %q", reply.text)
	}
	if s := env.session(t, user); s.CurrentStep != string(wizard.StepConfirmation) {
		t.Fatalf("step after resume = %s", s.CurrentStep)
	}
}

func TestHandlerCompleteFailureKeepsSession(t *testing.T) {
	env := newHandlerEnv(t, nil)
	const user = int64(821)
	ctx := context.Background()

	env.sendPhoto(t, user, "ktp", "3201234567890123")
	env.fillForm(t, user)
	env.send(t, user, "apa ini")

	lockKey := fmt.Sprintf("lock:session:%d:%d", 1, user)
	token, ok, err := env.cache.AcquireLock(ctx, lockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("hold session lock: ok=%v err=%v", ok, err)
	}

	reply := env.send(t, user, btnConfirm)
	if reply.text != msgCompleteFailed {
		t.Fatalf("failed completion reply = %q", reply.text)
	}
	s := env.session(t, user)
	if s == nil || !s.Form().TermsAccepted || wizard.NextStep(s.Form()) != wizard.StepConfirmation {
		t.Fatalf("session must survive a failed completion: %+v", s)
	}
	if app, err := env.apps.FindForUser(ctx, 1, user); err != nil || app != nil {
		t.Fatalf("no application expected: app=%v err=%v", app, err)
	}

	if err := env.cache.ReleaseLock(ctx, lockKey, token); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	reply = env.send(t, user, btnConfirm)
	if !strings.Contains(reply.text, "Terima kasih") {
		t.Fatalf("retry completion reply = %q", reply.text)
	}
}
