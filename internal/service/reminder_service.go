package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/wizard"
)

// ReminderService nudges users who left a registration half way and purges
// sessions nobody came back to.
type ReminderService struct {
	sessions   *SessionService
	notifier   Notifier
	logger     *zap.Logger
	staleAfter time.Duration
	purgeAfter time.Duration
	now        func() time.Time
}

func NewReminderService(sessions *SessionService, notifier Notifier, staleAfter, purgeAfter time.Duration, logger *zap.Logger) *ReminderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderService{
		sessions:   sessions,
		notifier:   notifier,
		logger:     logger.Named("reminder"),
		staleAfter: staleAfter,
		purgeAfter: purgeAfter,
		now:        time.Now,
	}
}

// SendResumeReminders messages every user whose unfinished session has been
// idle for longer than staleAfter but not yet purgeAfter.
func (s *ReminderService) SendResumeReminders(ctx context.Context) (int, error) {
	sessions, err := s.sessions.ListStaleSessions(ctx, s.staleAfter)
	if err != nil {
		return 0, err
	}

	now := s.now()
	sent := 0
	for _, session := range sessions {
		if s.purgeAfter > 0 && now.Sub(session.UpdatedAt) >= s.purgeAfter {
			continue
		}
		text, ok := ResumeReminder(session, now)
		if !ok {
			continue
		}
		if err := s.notifier.Notify(ctx, session.PartnerID, session.ChatID, text); err != nil {
			s.logger.Warn("send resume reminder",
				zap.Uint("partner_id", session.PartnerID),
				zap.Int64("telegram_id", session.TelegramID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent, nil
}

// PurgeStale removes sessions idle for longer than purgeAfter. Sessions that
// are being written right now are left for the next run.
func (s *ReminderService) PurgeStale(ctx context.Context) (int, error) {
	if s.purgeAfter <= 0 {
		return 0, nil
	}
	sessions, err := s.sessions.ListStaleSessions(ctx, s.purgeAfter)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, session := range sessions {
		err := s.sessions.ResetSession(ctx, session.PartnerID, session.TelegramID)
		switch {
		case err == nil:
			purged++
		case errors.Is(err, ErrSessionBusy):
		default:
			return purged, fmt.Errorf("purge session %d: %w", session.ID, err)
		}
	}
	return purged, nil
}

// ResumeReminder renders the reminder for session. ok is false when the
// session has not entered the form yet.
func ResumeReminder(session model.Session, now time.Time) (string, bool) {
	next := wizard.NextStep(session.Form())
	step := wizard.Step(session.CurrentStep)
	if step == wizard.StepMenu || step == wizard.StepRegistrationStart {
		if next == wizard.First() {
			return "", false
		}
	}

	var b strings.Builder
	name := strings.TrimSpace(session.FirstName)
	if name == "" {
		name = "Mitra"
	}
	b.WriteString(fmt.Sprintf("👋 Halo <b>%s</b>,\n", html.EscapeString(name)))

	idle := now.Sub(session.UpdatedAt)
	days := int(idle.Hours() / 24)
	if days >= 1 {
		b.WriteString(fmt.Sprintf("pendaftaran Anda belum selesai sejak %d hari yang lalu.\n", days))
	} else {
		b.WriteString("pendaftaran Anda belum selesai.\n")
	}

	if next == wizard.StepConfirmation {
		b.WriteString("\n📝 Semua data sudah lengkap, tinggal konfirmasi.")
	} else {
		b.WriteString(fmt.Sprintf("\n📝 Langkah %d dari %d", wizard.Position(next), len(wizard.Order())))
	}
	b.WriteString("\nKetik /lanjut untuk melanjutkan.")
	return b.String(), true
}
