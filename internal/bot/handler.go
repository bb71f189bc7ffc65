// Package bot holds the registration conversation and the Telegram transport
// feeding it.
package bot

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/service"
	"kyc-onboarding/internal/wizard"
)

// ReferenceLister provides the option lists shown for choice steps.
type ReferenceLister interface {
	Banks(ctx context.Context) ([]model.ReferenceItem, error)
	BusinessFields(ctx context.Context) ([]model.ReferenceItem, error)
}

// Handler advances a user's registration one inbound message at a time.
// Callers must serialize messages of the same user.
type Handler struct {
	sessions  *service.SessionService
	apps      *service.ApplicationService
	refs      ReferenceLister
	sender    Sender
	extractor IDExtractor
	logger    *zap.Logger
}

func NewHandler(sessions *service.SessionService, apps *service.ApplicationService, refs ReferenceLister, sender Sender, extractor IDExtractor, logger *zap.Logger) *Handler {
	if extractor == nil {
		extractor = CaptionExtractor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:  sessions,
		apps:      apps,
		refs:      refs,
		sender:    sender,
		extractor: extractor,
		logger:    logger.Named("handler"),
	}
}

// Handle processes msg. A returned error means nothing was persisted and the
// message can be retried; delivery failures are only logged.
func (h *Handler) Handle(ctx context.Context, msg InboundMessage) error {
	registered, err := h.sessions.HasApplication(ctx, msg.PartnerID, msg.UserID)
	if err != nil {
		return err
	}
	if registered {
		return h.handleRegistered(ctx, msg)
	}

	session, err := h.loadSession(ctx, msg)
	if err != nil {
		return err
	}

	if command := commandFor(msg); command != "" {
		h.logger.Debug("command",
			zap.Uint("partner_id", msg.PartnerID),
			zap.Int64("telegram_id", msg.UserID),
			zap.String("command", command),
		)
		return h.handleCommand(ctx, session, msg, command)
	}
	return h.handleInput(ctx, session, msg)
}

// commandFor maps slash commands and main menu buttons onto command names.
func commandFor(msg InboundMessage) string {
	if msg.Command != "" {
		return msg.Command
	}
	switch {
	case msg.Text == "":
		return ""
	case matches(msg.Text, btnRegister):
		return "daftar"
	case matches(msg.Text, btnContinue):
		return "lanjut"
	case matches(msg.Text, btnStatus):
		return "status"
	case matches(msg.Text, btnHelp):
		return "bantuan"
	case matches(msg.Text, btnReset):
		return "reset"
	default:
		return ""
	}
}

func (h *Handler) handleRegistered(ctx context.Context, msg InboundMessage) error {
	switch commandFor(msg) {
	case "start", "menu":
		h.reply(ctx, msg, msgAlreadyRegistered, registeredKeyboard())
	case "status":
		return h.sendStatus(ctx, msg, nil)
	case "bantuan", "help":
		h.reply(ctx, msg, msgHelp, registeredKeyboard())
	default:
		h.reply(ctx, msg, msgAlreadyRegistered, registeredKeyboard())
	}
	return nil
}

// loadSession returns the user's session, creating one at MENU on first contact.
func (h *Handler) loadSession(ctx context.Context, msg InboundMessage) (*model.Session, error) {
	session, err := h.sessions.GetActiveSession(ctx, msg.PartnerID, msg.UserID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		session.ChatID = msg.ChatID
		session.Username = msg.Username
		session.FirstName = msg.FirstName
		session.LastName = msg.LastName
		return session, nil
	}

	fresh := &model.Session{
		PartnerID:   msg.PartnerID,
		TelegramID:  msg.UserID,
		ChatID:      msg.ChatID,
		Username:    msg.Username,
		FirstName:   msg.FirstName,
		LastName:    msg.LastName,
		CurrentStep: string(wizard.StepMenu),
	}
	fresh.SetForm(model.FormData{})
	saved, err := h.sessions.CreateOrUpdateSession(ctx, fresh)
	if err != nil {
		return nil, err
	}
	h.logger.Info("session created", zap.Uint("partner_id", msg.PartnerID), zap.Int64("telegram_id", msg.UserID))
	return saved, nil
}

func (h *Handler) handleCommand(ctx context.Context, session *model.Session, msg InboundMessage, command string) error {
	switch command {
	case "start":
		if err := h.moveTo(ctx, session, wizard.StepMenu); err != nil {
			return err
		}
		text := msgWelcome
		if wizard.NextStep(session.Form()) != wizard.First() {
			text += "\n\n" + progressText(session.Form())
		}
		h.reply(ctx, msg, text, mainMenuKeyboard())
	case "menu":
		if err := h.moveTo(ctx, session, wizard.StepMenu); err != nil {
			return err
		}
		h.reply(ctx, msg, msgMenu, mainMenuKeyboard())
	case "daftar":
		if wizard.NextStep(session.Form()) == wizard.First() {
			if err := h.moveTo(ctx, session, wizard.StepRegistrationStart); err != nil {
				return err
			}
			h.reply(ctx, msg, msgRegistrationIntro, startKeyboard())
			return nil
		}
		return h.resume(ctx, session, msg, msgResume)
	case "lanjut":
		return h.resume(ctx, session, msg, msgResume)
	case "reset":
		err := h.sessions.ResetSession(ctx, msg.PartnerID, msg.UserID)
		if errors.Is(err, service.ErrSessionBusy) {
			h.reply(ctx, msg, msgResetBusy, mainMenuKeyboard())
			return nil
		}
		if err != nil {
			return err
		}
		h.reply(ctx, msg, msgResetDone, mainMenuKeyboard())
	case "status":
		return h.sendStatus(ctx, msg, session)
	case "bantuan", "help":
		h.reply(ctx, msg, msgHelp, mainMenuKeyboard())
	default:
		h.reply(ctx, msg, msgUnknownCommand, mainMenuKeyboard())
	}
	return nil
}

func (h *Handler) sendStatus(ctx context.Context, msg InboundMessage, session *model.Session) error {
	app, err := h.apps.FindForUser(ctx, msg.PartnerID, msg.UserID)
	if err != nil {
		return err
	}
	switch {
	case app != nil:
		h.reply(ctx, msg, applicationStatusText(app), registeredKeyboard())
	case session != nil && wizard.NextStep(session.Form()) != wizard.First():
		h.reply(ctx, msg, progressText(session.Form()), mainMenuKeyboard())
	default:
		h.reply(ctx, msg, msgNotRegistered, mainMenuKeyboard())
	}
	return nil
}

// resume recomputes the next step from the collected answers and asks for it.
func (h *Handler) resume(ctx context.Context, session *model.Session, msg InboundMessage, intro string) error {
	next := wizard.NextStep(session.Form())
	if err := h.moveTo(ctx, session, next); err != nil {
		return err
	}
	if intro != "" {
		h.reply(ctx, msg, intro, removeKeyboard())
	}
	h.prompt(ctx, msg, session, next)
	return nil
}

func (h *Handler) handleInput(ctx context.Context, session *model.Session, msg InboundMessage) error {
	stored := wizard.Step(session.CurrentStep)
	switch {
	case stored == wizard.StepMenu:
		if msg.HasPhoto() {
			return h.handleField(ctx, session, msg, wizard.NextStep(session.Form()))
		}
		h.reply(ctx, msg, msgMenuHint, mainMenuKeyboard())
		return nil
	case stored == wizard.StepRegistrationStart:
		if msg.HasPhoto() {
			return h.handleField(ctx, session, msg, wizard.NextStep(session.Form()))
		}
		if matches(msg.Text, btnStart, "mulai") {
			return h.resume(ctx, session, msg, "")
		}
		if matches(msg.Text, btnBackMenu, "menu") {
			return h.handleCommand(ctx, session, msg, "menu")
		}
		h.reply(ctx, msg, msgStartHint, startKeyboard())
		return nil
	}

	// The stored step is only a hint; the answers decide where the user is.
	step := wizard.NextStep(session.Form())
	if step == wizard.StepConfirmation {
		return h.handleConfirmation(ctx, session, msg)
	}
	return h.handleField(ctx, session, msg, step)
}

func (h *Handler) handleField(ctx context.Context, session *model.Session, msg InboundMessage, step wizard.Step) error {
	form := session.Form()
	var err error
	if wizard.IsPhotoStep(step) {
		err = h.applyPhoto(ctx, session, &form, step, msg)
	} else {
		err = applyText(&form, step, msg)
	}

	var verr *wizard.ValidationError
	if errors.As(err, &verr) {
		h.reply(ctx, msg, "⚠️ "+verr.Message, h.keyboardFor(ctx, step))
		return nil
	}
	if err != nil {
		return err
	}

	session.SetForm(form)
	next := wizard.NextStep(form)
	if err := h.moveTo(ctx, session, next); err != nil {
		return err
	}
	h.logger.Debug("step answered",
		zap.Uint("partner_id", session.PartnerID),
		zap.Int64("telegram_id", session.TelegramID),
		zap.String("step", string(step)),
		zap.String("next", string(next)),
	)

	if step == wizard.StepLocationPhotos && next == wizard.StepLocationPhotos {
		h.reply(ctx, msg, locationAck(len(form.LocationPhotos)), doneKeyboard())
		return nil
	}
	h.prompt(ctx, msg, session, next)
	return nil
}

func (h *Handler) applyPhoto(ctx context.Context, session *model.Session, form *model.FormData, step wizard.Step, msg InboundMessage) error {
	if !msg.HasPhoto() {
		if step == wizard.StepLocationPhotos && matches(msg.Text, btnDone, "selesai") {
			if len(form.LocationPhotos) == 0 {
				return &wizard.ValidationError{Step: step, Message: msgLocationEmpty}
			}
			form.LocationPhotosDone = true
			return nil
		}
		return &wizard.ValidationError{Step: step, Message: msgExpectPhoto}
	}

	ref := &model.PhotoRef{FileID: msg.PhotoFileID, FileUniqueID: msg.PhotoUniqueID}
	switch step {
	case wizard.StepIDCardPhoto:
		raw, err := h.extractor.ExtractIDCardNumber(ctx, msg)
		if err != nil {
			h.logger.Warn("extract id card number", zap.Int64("telegram_id", msg.UserID), zap.Error(err))
		}
		if raw == "" {
			return &wizard.ValidationError{Step: step, Message: msgIDNotReadable}
		}
		number, err := wizard.ValidateIDCardNumber(raw)
		if err != nil {
			return err
		}
		taken, err := h.sessions.IsIDCardRegistered(ctx, session.PartnerID, session.TelegramID, number)
		if err != nil {
			return err
		}
		if taken {
			return &wizard.ValidationError{Step: step, Message: msgIDDuplicate}
		}
		form.IDCardPhoto = ref
		form.IDCardNumber = number
	case wizard.StepSignaturePhoto:
		form.SignaturePhoto = ref
	case wizard.StepLocationPhotos:
		if len(form.LocationPhotos) < model.MaxLocationPhotos {
			form.LocationPhotos = append(form.LocationPhotos, *ref)
		}
	case wizard.StepBankBookPhoto:
		form.BankBookPhoto = ref
	}
	return nil
}

func applyText(form *model.FormData, step wizard.Step, msg InboundMessage) error {
	if msg.HasPhoto() || msg.Text == "" {
		return &wizard.ValidationError{Step: step, Message: msgExpectText}
	}
	text := msg.Text

	switch step {
	case wizard.StepAgentName:
		v, err := wizard.ValidateName(step, text)
		if err != nil {
			return err
		}
		form.AgentName = v
	case wizard.StepOwnerName:
		v, err := wizard.ValidateName(step, text)
		if err != nil {
			return err
		}
		form.OwnerName = v
	case wizard.StepBusinessField:
		v, err := wizard.ValidateChoice(step, text)
		if err != nil {
			return err
		}
		form.BusinessField = v
	case wizard.StepPICName:
		v, err := wizard.ValidateName(step, text)
		if err != nil {
			return err
		}
		form.PICName = v
	case wizard.StepPICPhone:
		v, err := wizard.ValidatePhone(text)
		if err != nil {
			return err
		}
		form.PICPhone = v
	case wizard.StepTaxNumber:
		v, err := wizard.ValidateTaxNumber(text, matches(text, btnSkip, "lewati", model.NoTaxNumber))
		if err != nil {
			return err
		}
		form.TaxNumber = &v
	case wizard.StepAccountHolderName:
		v, err := wizard.ValidateName(step, text)
		if err != nil {
			return err
		}
		form.AccountHolderName = v
	case wizard.StepBankName:
		v, err := wizard.ValidateChoice(step, text)
		if err != nil {
			return err
		}
		form.BankName = v
	case wizard.StepAccountNumber:
		v, err := wizard.ValidateAccountNumber(text)
		if err != nil {
			return err
		}
		form.AccountNumber = v
	case wizard.StepTerms:
		if !matches(text, btnAgree, "setuju") {
			return &wizard.ValidationError{Step: step, Message: msgTermsRequired}
		}
		form.TermsAccepted = true
	default:
		return &wizard.ValidationError{Step: step, Message: msgExpectPhoto}
	}
	return nil
}

func (h *Handler) handleConfirmation(ctx context.Context, session *model.Session, msg InboundMessage) error {
	switch {
	case matches(msg.Text, btnConfirm, "konfirmasi"):
		app, err := h.sessions.CompleteRegistration(ctx, session)
		if err != nil {
			h.logger.Error("complete registration",
				zap.Uint("partner_id", session.PartnerID),
				zap.Int64("telegram_id", session.TelegramID),
				zap.Error(err),
			)
			h.reply(ctx, msg, msgCompleteFailed, confirmKeyboard())
			return nil
		}
		h.apps.Submitted(ctx, app)
		h.reply(ctx, msg, completedText(app), registeredKeyboard())
	case matches(msg.Text, btnRedo, "ulangi"):
		session.SetForm(model.FormData{})
		if err := h.moveTo(ctx, session, wizard.First()); err != nil {
			return err
		}
		h.reply(ctx, msg, msgRedo, removeKeyboard())
		h.prompt(ctx, msg, session, wizard.First())
	case matches(msg.Text, btnBackMenu, "menu"):
		return h.handleCommand(ctx, session, msg, "menu")
	default:
		if err := h.moveTo(ctx, session, wizard.StepConfirmation); err != nil {
			return err
		}
		h.reply(ctx, msg, summaryText(session.Form()), confirmKeyboard())
	}
	return nil
}

// moveTo persists session at step. The in-memory session is refreshed from
// what was stored.
func (h *Handler) moveTo(ctx context.Context, session *model.Session, step wizard.Step) error {
	session.CurrentStep = string(step)
	saved, err := h.sessions.CreateOrUpdateSession(ctx, session)
	if err != nil {
		return err
	}
	*session = *saved
	return nil
}

func (h *Handler) prompt(ctx context.Context, msg InboundMessage, session *model.Session, step wizard.Step) {
	switch step {
	case wizard.StepConfirmation:
		h.reply(ctx, msg, summaryText(session.Form()), confirmKeyboard())
	case wizard.StepBusinessField, wizard.StepBankName:
		opts := h.keyboardFor(ctx, step)
		text := stepPrompt(step)
		if len(opts.Keyboard) == 0 {
			text = genericChoicePrompt[step]
		}
		h.reply(ctx, msg, text, opts)
	default:
		h.reply(ctx, msg, stepPrompt(step), h.keyboardFor(ctx, step))
	}
}

func (h *Handler) keyboardFor(ctx context.Context, step wizard.Step) SendOptions {
	switch step {
	case wizard.StepTaxNumber:
		return skipKeyboard()
	case wizard.StepLocationPhotos:
		return doneKeyboard()
	case wizard.StepTerms:
		return termsKeyboard()
	case wizard.StepConfirmation:
		return confirmKeyboard()
	case wizard.StepBusinessField, wizard.StepBankName:
		items, err := h.references(ctx, step)
		if err != nil {
			h.logger.Warn("reference data unavailable", zap.String("step", string(step)), zap.Error(err))
			return removeKeyboard()
		}
		if len(items) == 0 {
			return removeKeyboard()
		}
		return referenceKeyboard(items)
	default:
		return removeKeyboard()
	}
}

func (h *Handler) references(ctx context.Context, step wizard.Step) ([]model.ReferenceItem, error) {
	if h.refs == nil {
		return nil, nil
	}
	if step == wizard.StepBankName {
		return h.refs.Banks(ctx)
	}
	return h.refs.BusinessFields(ctx)
}

func (h *Handler) reply(ctx context.Context, msg InboundMessage, text string, opts SendOptions) {
	if err := h.sender.SendMessage(ctx, msg.PartnerID, msg.ChatID, strings.TrimSpace(text), opts); err != nil {
		h.logger.Warn("send message",
			zap.Uint("partner_id", msg.PartnerID),
			zap.Int64("telegram_id", msg.UserID),
			zap.Error(err),
		)
	}
}
