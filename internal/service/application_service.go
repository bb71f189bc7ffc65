package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kyc-onboarding/internal/events"
	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/repository"
)

var (
	ErrInvalidTransition = errors.New("application is not in draft status")
	ErrNotStampable      = errors.New("application has no confirmed pdf to stamp")
	ErrNoGenerator       = errors.New("artifact generation is not configured")
)

const (
	artifactConcurrency = 4
	artifactTimeout     = 2 * time.Minute
)

const (
	msgConfirmed = "✅ Pendaftaran Anda telah dikonfirmasi. Terima kasih telah bergabung!"
	msgRejected  = "❌ Pendaftaran Anda belum dapat kami setujui."
)

// Notifier delivers a plain text message to an end user of a partner bot.
type Notifier interface {
	Notify(ctx context.Context, partnerID uint, chatID int64, text string) error
}

// ArtifactGenerator produces the documents attached to a confirmed application.
type ArtifactGenerator interface {
	GeneratePDF(ctx context.Context, app model.Application) (string, error)
	Stamp(ctx context.Context, app model.Application) (string, error)
}

// BulkItemError is the failure of one id inside a bulk operation.
type BulkItemError struct {
	ID    uint   `json:"id"`
	Error string `json:"error"`
}

type BulkResult struct {
	Succeeded []uint          `json:"succeeded"`
	Failed    []BulkItemError `json:"failed"`
}

// ApplicationService drives the admin side of the application lifecycle.
type ApplicationService struct {
	apps      *repository.ApplicationRepository
	notifier  Notifier
	publisher events.Publisher
	generator ArtifactGenerator
	logger    *zap.Logger
	now       func() time.Time

	background sync.WaitGroup
}

// NewApplicationService wires the service; notifier, publisher and generator are optional.
func NewApplicationService(apps *repository.ApplicationRepository, notifier Notifier, publisher events.Publisher, generator ArtifactGenerator, logger *zap.Logger) *ApplicationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ApplicationService{
		apps:      apps,
		notifier:  notifier,
		publisher: publisher,
		generator: generator,
		logger:    logger.Named("application"),
		now:       time.Now,
	}
}

func (s *ApplicationService) List(ctx context.Context, partnerID uint, filter repository.ApplicationFilter) ([]model.Application, int64, error) {
	return s.apps.List(ctx, partnerID, filter)
}

func (s *ApplicationService) Get(ctx context.Context, partnerID, id uint) (*model.Application, error) {
	return s.apps.FindByID(ctx, partnerID, id)
}

// FindForUser returns the latest application of a bot user, or nil.
func (s *ApplicationService) FindForUser(ctx context.Context, partnerID uint, telegramID int64) (*model.Application, error) {
	app, err := s.apps.FindByUser(ctx, partnerID, telegramID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return app, err
}

// Confirm moves a draft application to confirmed, tells the user and starts
// PDF generation in the background.
func (s *ApplicationService) Confirm(ctx context.Context, partnerID, id uint, admin, remark string) (*model.Application, error) {
	app, err := s.confirm(ctx, partnerID, id, admin, remark)
	if err != nil {
		return nil, err
	}
	s.generateArtifacts([]model.Application{*app})
	return app, nil
}

// Submitted announces a freshly completed draft application.
func (s *ApplicationService) Submitted(ctx context.Context, app *model.Application) {
	s.publish(ctx, events.TypeApplicationCreated, *app, "")
}

func (s *ApplicationService) Reject(ctx context.Context, partnerID, id uint, admin, remark string) (*model.Application, error) {
	now := s.now()
	app, err := s.transition(ctx, partnerID, id, model.StatusRejected, map[string]interface{}{
		"rejected_by": admin,
		"rejected_at": now,
		"remark":      remark,
	})
	if err != nil {
		return nil, err
	}

	text := msgRejected
	if remark != "" {
		text += "\nCatatan: " + html.EscapeString(remark)
	}
	s.notify(ctx, app, text)
	s.publish(ctx, events.TypeApplicationRejected, *app, admin)
	return app, nil
}

// BulkConfirm confirms every id it can; failures are reported per item.
func (s *ApplicationService) BulkConfirm(ctx context.Context, partnerID uint, ids []uint, admin, remark string) BulkResult {
	result := BulkResult{Succeeded: []uint{}, Failed: []BulkItemError{}}
	var confirmed []model.Application
	for _, id := range ids {
		app, err := s.confirm(ctx, partnerID, id, admin, remark)
		if err != nil {
			result.Failed = append(result.Failed, BulkItemError{ID: id, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
		confirmed = append(confirmed, *app)
	}
	s.generateArtifacts(confirmed)
	return result
}

func (s *ApplicationService) BulkReject(ctx context.Context, partnerID uint, ids []uint, admin, remark string) BulkResult {
	result := BulkResult{Succeeded: []uint{}, Failed: []BulkItemError{}}
	for _, id := range ids {
		if _, err := s.Reject(ctx, partnerID, id, admin, remark); err != nil {
			result.Failed = append(result.Failed, BulkItemError{ID: id, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// UpdateFlags sets the processed and reviewed markers; nil leaves a flag as is.
func (s *ApplicationService) UpdateFlags(ctx context.Context, partnerID, id uint, processed, reviewed *bool) (*model.Application, error) {
	updates := map[string]interface{}{}
	if processed != nil {
		updates["is_processed"] = *processed
	}
	if reviewed != nil {
		updates["is_reviewed"] = *reviewed
	}
	if err := s.apps.Update(ctx, partnerID, id, updates); err != nil {
		return nil, err
	}
	return s.apps.FindByID(ctx, partnerID, id)
}

// Stamp requests the e-meterai stamp for a confirmed application whose PDF
// exists. The stamp runs in the background; the returned application is pending.
func (s *ApplicationService) Stamp(ctx context.Context, partnerID, id uint) (*model.Application, error) {
	if s.generator == nil {
		return nil, ErrNoGenerator
	}
	app, err := s.apps.FindByID(ctx, partnerID, id)
	if err != nil {
		return nil, err
	}
	if app.Status != model.StatusConfirmed || app.PDFURL == "" {
		return nil, ErrNotStampable
	}
	if err := s.apps.Update(ctx, partnerID, id, map[string]interface{}{"emeterai_status": model.EmeteraiPending}); err != nil {
		return nil, err
	}
	app.EmeteraiStatus = model.EmeteraiPending

	snapshot := *app
	s.runBackground(func(ctx context.Context) {
		url, err := s.generator.Stamp(ctx, snapshot)
		updates := map[string]interface{}{"emeterai_status": model.EmeteraiStamped, "stamped_pdf_url": url}
		if err != nil {
			s.logger.Error("stamp application", zap.Uint("application_id", snapshot.ID), zap.Error(err))
			updates = map[string]interface{}{"emeterai_status": model.EmeteraiFailed}
		}
		if err := s.apps.Update(ctx, snapshot.PartnerID, snapshot.ID, updates); err != nil {
			s.logger.Error("store stamp result", zap.Uint("application_id", snapshot.ID), zap.Error(err))
			return
		}
		if url != "" && err == nil {
			snapshot.StampedPDFURL = url
			s.publish(ctx, events.TypeApplicationStamped, snapshot, "")
		}
	})
	return app, nil
}

// Wait blocks until background artifact work has finished.
func (s *ApplicationService) Wait() {
	s.background.Wait()
}

func (s *ApplicationService) confirm(ctx context.Context, partnerID, id uint, admin, remark string) (*model.Application, error) {
	now := s.now()
	app, err := s.transition(ctx, partnerID, id, model.StatusConfirmed, map[string]interface{}{
		"confirmed_by": admin,
		"confirmed_at": now,
		"remark":       remark,
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, app, msgConfirmed)
	s.publish(ctx, events.TypeApplicationConfirmed, *app, admin)
	return app, nil
}

func (s *ApplicationService) transition(ctx context.Context, partnerID, id uint, to model.ApplicationStatus, updates map[string]interface{}) (*model.Application, error) {
	ok, err := s.apps.Transition(ctx, partnerID, id, model.StatusDraft, to, updates)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.apps.FindByID(ctx, partnerID, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	app, err := s.apps.FindByID(ctx, partnerID, id)
	if err != nil {
		return nil, fmt.Errorf("reload application: %w", err)
	}
	s.logger.Info("application status changed",
		zap.Uint("partner_id", partnerID),
		zap.Uint("application_id", id),
		zap.String("status", string(to)),
	)
	return app, nil
}

func (s *ApplicationService) notify(ctx context.Context, app *model.Application, text string) {
	if s.notifier == nil || app.ChatID == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, app.PartnerID, app.ChatID, text); err != nil {
		s.logger.Warn("notify applicant",
			zap.Uint("application_id", app.ID),
			zap.Int64("telegram_id", app.TelegramID),
			zap.Error(err),
		)
	}
}

func (s *ApplicationService) publish(ctx context.Context, eventType string, app model.Application, actor string) {
	event := events.NewApplicationEvent(eventType, app, actor, s.now())
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish application event",
			zap.String("type", eventType),
			zap.Uint("application_id", app.ID),
			zap.Error(err),
		)
	}
}

// generateArtifacts renders PDFs for apps off the request path, a few at a time.
func (s *ApplicationService) generateArtifacts(apps []model.Application) {
	if s.generator == nil || len(apps) == 0 {
		return
	}
	s.runBackground(func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(artifactConcurrency)
		for _, app := range apps {
			g.Go(func() error {
				url, err := s.generator.GeneratePDF(gctx, app)
				if err != nil {
					s.logger.Error("generate pdf", zap.Uint("application_id", app.ID), zap.Error(err))
					return nil
				}
				if err := s.apps.Update(gctx, app.PartnerID, app.ID, map[string]interface{}{"pdf_url": url}); err != nil {
					s.logger.Error("store pdf url", zap.Uint("application_id", app.ID), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	})
}

func (s *ApplicationService) runBackground(fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), artifactTimeout)
		defer cancel()
		fn(ctx)
	}()
}
