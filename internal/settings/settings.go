// Package settings wraps store.SettingsRepo with typed accessors. Callers
// depend on this narrow capability rather than reaching into the store
// directly, per the platform's Settings design: "read through a small
// capability passed in, not a module global" (spec §9).
package settings

import (
	"context"
	"strconv"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// Service exposes typed getters/setters over the Settings key space.
type Service struct {
	repo store.SettingsRepo
}

func New(repo store.SettingsRepo) *Service {
	return &Service{repo: repo}
}

// Seed writes any default key not already present (spec §3 Settings).
func (s *Service) Seed(ctx context.Context) error {
	return s.repo.SeedDefaults(ctx)
}

func (s *Service) GetString(ctx context.Context, key string) (string, error) {
	v, ok, err := s.repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.DefaultSettings()[key], nil
	}
	return v, nil
}

func (s *Service) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := s.GetString(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "true" || v == "1", nil
}

func (s *Service) GetInt(ctx context.Context, key string) (int, error) {
	v, err := s.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Service) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := s.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func (s *Service) Set(ctx context.Context, key, value string) error {
	return s.repo.Set(ctx, key, value)
}

func (s *Service) All(ctx context.Context) (map[string]string, error) {
	return s.repo.All(ctx)
}
