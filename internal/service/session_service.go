package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"kyc-onboarding/internal/cache"
	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/repository"
)

// ErrSessionBusy is returned when the session lock stays taken after every retry.
var ErrSessionBusy = errors.New("session is being updated")

type SessionOptions struct {
	CacheTTL           time.Duration
	LockTTL            time.Duration
	LockAttempts       int
	LockRetryDelay     time.Duration
	IDCardCacheTTL     time.Duration
	RegisteredCacheTTL time.Duration
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 300 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockAttempts <= 0 {
		o.LockAttempts = 5
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = 100 * time.Millisecond
	}
	if o.IDCardCacheTTL <= 0 {
		o.IDCardCacheTTL = time.Hour
	}
	if o.RegisteredCacheTTL <= 0 {
		o.RegisteredCacheTTL = time.Hour
	}
	return o
}

// SessionService keeps wizard sessions in the database with the cache in
// front. The database is the source of truth; cache failures only cost a
// round trip.
type SessionService struct {
	sessions *repository.SessionRepository
	apps     *repository.ApplicationRepository
	cache    cache.Provider
	logger   *zap.Logger
	opts     SessionOptions
	now      func() time.Time
}

func NewSessionService(sessions *repository.SessionRepository, apps *repository.ApplicationRepository, provider cache.Provider, logger *zap.Logger, opts SessionOptions) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessions: sessions,
		apps:     apps,
		cache:    provider,
		logger:   logger.Named("session"),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

func sessionKey(partnerID uint, telegramID int64) string {
	return fmt.Sprintf("session:%d:%d", partnerID, telegramID)
}

func sessionLockKey(partnerID uint, telegramID int64) string {
	return fmt.Sprintf("lock:session:%d:%d", partnerID, telegramID)
}

func idCardKey(partnerID uint, number string) string {
	return fmt.Sprintf("idcard:%d:%s", partnerID, number)
}

func registeredKey(partnerID uint, telegramID int64) string {
	return fmt.Sprintf("registered:%d:%d", partnerID, telegramID)
}

// GetActiveSession returns the user's session, or nil when there is none.
func (s *SessionService) GetActiveSession(ctx context.Context, partnerID uint, telegramID int64) (*model.Session, error) {
	key := sessionKey(partnerID, telegramID)
	raw, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.logger.Warn("session cache read failed", zap.String("key", key), zap.Error(err))
	case ok:
		var session model.Session
		if err := json.Unmarshal([]byte(raw), &session); err == nil {
			return &session, nil
		}
		s.logger.Warn("drop undecodable cached session", zap.String("key", key))
		s.forget(ctx, key)
	}

	session, err := s.sessions.FindByUser(ctx, partnerID, telegramID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.remember(ctx, session)
	return session, nil
}

// CreateOrUpdateSession upserts session under the session lock, retrying a
// bounded number of times while another writer holds it. An ID card number
// dropped from the form is released from the holder cache.
func (s *SessionService) CreateOrUpdateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	var (
		saved    *model.Session
		previous string
	)
	err := s.withLock(ctx, session.PartnerID, session.TelegramID, s.opts.LockAttempts, func() error {
		existing, err := s.sessions.FindByUser(ctx, session.PartnerID, session.TelegramID)
		switch {
		case err == nil:
			previous = existing.IDCardNumber
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		saved, err = s.sessions.Upsert(ctx, session)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.remember(ctx, saved)
	if previous != "" && previous != saved.IDCardNumber {
		s.forget(ctx, idCardKey(saved.PartnerID, previous))
	}
	return saved, nil
}

// ResetSession deletes the user's session. It makes a single lock attempt and
// returns ErrSessionBusy if another writer is active.
func (s *SessionService) ResetSession(ctx context.Context, partnerID uint, telegramID int64) error {
	var number string
	err := s.withLock(ctx, partnerID, telegramID, 1, func() error {
		existing, err := s.sessions.FindByUser(ctx, partnerID, telegramID)
		if err == nil {
			number = existing.IDCardNumber
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return s.sessions.Delete(ctx, partnerID, telegramID)
	})
	if err != nil {
		return err
	}
	s.forget(ctx, sessionKey(partnerID, telegramID))
	if number != "" {
		// The number is free again unless an application holds it.
		s.forget(ctx, idCardKey(partnerID, number))
	}
	return nil
}

// CompleteRegistration turns a finished session into a draft application.
// Application, photos and session removal commit together or not at all.
func (s *SessionService) CompleteRegistration(ctx context.Context, session *model.Session) (*model.Application, error) {
	app := model.NewApplication(session, s.now())
	photos := model.PhotosFromForm(session.Form())

	err := s.withLock(ctx, session.PartnerID, session.TelegramID, s.opts.LockAttempts, func() error {
		return s.sessions.Complete(ctx, session, &app, photos)
	})
	if err != nil {
		return nil, fmt.Errorf("complete registration: %w", err)
	}

	s.forget(ctx, sessionKey(session.PartnerID, session.TelegramID))
	if err := s.cache.Set(ctx, registeredKey(session.PartnerID, session.TelegramID), "1", s.opts.RegisteredCacheTTL); err != nil {
		s.logger.Warn("cache registered flag", zap.Error(err))
	}
	s.logger.Info("registration completed",
		zap.Uint("partner_id", session.PartnerID),
		zap.Int64("telegram_id", session.TelegramID),
		zap.Uint("application_id", app.ID),
		zap.Int("photos", len(photos)),
	)
	return &app, nil
}

// IsIDCardRegistered reports whether number is already used by another user
// of the partner, in an active session or in an application. Positive answers
// are cached with the holder so the holder itself is never blocked.
func (s *SessionService) IsIDCardRegistered(ctx context.Context, partnerID uint, telegramID int64, number string) (bool, error) {
	key := idCardKey(partnerID, number)
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		if holder, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return holder != telegramID, nil
		}
	}

	holder, found, err := s.apps.IDCardHolder(ctx, partnerID, number)
	if err != nil {
		return false, err
	}
	if !found {
		holder, found, err = s.sessions.IDCardHolder(ctx, partnerID, number, telegramID)
		if err != nil {
			return false, err
		}
	}
	if !found {
		return false, nil
	}

	if err := s.cache.Set(ctx, key, strconv.FormatInt(holder, 10), s.opts.IDCardCacheTTL); err != nil {
		s.logger.Warn("cache id card holder", zap.Error(err))
	}
	return holder != telegramID, nil
}

// HasApplication reports whether the user already submitted an application.
func (s *SessionService) HasApplication(ctx context.Context, partnerID uint, telegramID int64) (bool, error) {
	key := registeredKey(partnerID, telegramID)
	if ok, err := s.cache.Exists(ctx, key); err == nil && ok {
		return true, nil
	}

	exists, err := s.apps.ExistsForUser(ctx, partnerID, telegramID)
	if err != nil {
		return false, err
	}
	if exists {
		if err := s.cache.Set(ctx, key, "1", s.opts.RegisteredCacheTTL); err != nil {
			s.logger.Warn("cache registered flag", zap.Error(err))
		}
	}
	return exists, nil
}

// ListStaleSessions returns sessions idle for longer than idle.
func (s *SessionService) ListStaleSessions(ctx context.Context, idle time.Duration) ([]model.Session, error) {
	return s.sessions.ListIdleSince(ctx, s.now().Add(-idle))
}

func (s *SessionService) withLock(ctx context.Context, partnerID uint, telegramID int64, attempts int, fn func() error) error {
	key := sessionLockKey(partnerID, telegramID)
	for attempt := 1; ; attempt++ {
		token, acquired, err := s.cache.AcquireLock(ctx, key, s.opts.LockTTL)
		if err != nil {
			// The row lock in the upsert transaction still guards the write.
			s.logger.Warn("session lock unavailable, continuing without it", zap.String("key", key), zap.Error(err))
			return fn()
		}
		if acquired {
			defer func() {
				if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
					s.logger.Warn("release session lock", zap.String("key", key), zap.Error(err))
				}
			}()
			return fn()
		}
		if attempt >= attempts {
			return ErrSessionBusy
		}

		timer := time.NewTimer(s.opts.LockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SessionService) remember(ctx context.Context, session *model.Session) {
	key := sessionKey(session.PartnerID, session.TelegramID)
	raw, err := json.Marshal(session)
	if err != nil {
		s.logger.Warn("encode session for cache", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), s.opts.CacheTTL); err != nil {
		s.logger.Warn("session cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *SessionService) forget(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("session cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
