package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"kyc-onboarding/internal/cache"
	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/repository"
)

const referenceCacheTTL = 6 * time.Hour

// ReferenceService serves the lookup lists shown in wizard prompts.
type ReferenceService struct {
	repo   *repository.ReferenceRepository
	cache  cache.Provider
	logger *zap.Logger
}

func NewReferenceService(repo *repository.ReferenceRepository, provider cache.Provider, logger *zap.Logger) *ReferenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferenceService{repo: repo, cache: provider, logger: logger.Named("reference")}
}

func (s *ReferenceService) Banks(ctx context.Context) ([]model.ReferenceItem, error) {
	return s.list(ctx, model.ReferenceBank)
}

func (s *ReferenceService) BusinessFields(ctx context.Context) ([]model.ReferenceItem, error) {
	return s.list(ctx, model.ReferenceBusinessField)
}

func (s *ReferenceService) list(ctx context.Context, kind string) ([]model.ReferenceItem, error) {
	key := "reference:" + kind
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var items []model.ReferenceItem
		if err := json.Unmarshal([]byte(raw), &items); err == nil {
			return items, nil
		}
	}

	items, err := s.repo.ListByKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(items); err == nil {
		if err := s.cache.Set(ctx, key, string(raw), referenceCacheTTL); err != nil {
			s.logger.Warn("cache reference list", zap.String("kind", kind), zap.Error(err))
		}
	}
	return items, nil
}
