// Package parameters manages stored analysis parameter sets. Reads go
// through an in-process ristretto cache invalidated on every write.
package parameters

import (
	"context"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
)

const cacheMaxEntries = 10_000

// Repository persists parameter sets.
type Repository interface {
	Create(ctx context.Context, set domain.ParameterSet) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.ParameterSet, error)
	List(ctx context.Context) ([]domain.ParameterSet, error)
	Update(ctx context.Context, set domain.ParameterSet) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Service is the parameter-set use case layer.
type Service struct {
	repo            Repository
	cache           *ristretto.Cache[string, domain.ParameterSet]
	ttl             time.Duration
	defaultProvider string
}

// NewService creates a service. A zero ttl caches entries until evicted.
func NewService(repo Repository, defaultProvider string, ttl time.Duration) (*Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, domain.ParameterSet]{
		NumCounters: cacheMaxEntries * 10,
		MaxCost:     cacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Service{repo: repo, cache: cache, ttl: ttl, defaultProvider: defaultProvider}, nil
}

// Close releases the cache.
func (s *Service) Close() {
	s.cache.Close()
}

// DefaultProvider is the provider used when neither the request nor the
// parameter set names one.
func (s *Service) DefaultProvider() string {
	return s.defaultProvider
}

// Create validates and stores set.
func (s *Service) Create(ctx context.Context, set domain.ParameterSet) (uuid.UUID, error) {
	if err := validate(set); err != nil {
		return uuid.Nil, err
	}
	return s.repo.Create(ctx, normalize(set))
}

// CreateDefault stores a parameter set with default values.
func (s *Service) CreateDefault(ctx context.Context) (uuid.UUID, error) {
	return s.repo.Create(ctx, domain.DefaultParameterSet(s.defaultProvider))
}

// Duplicate copies an existing set under a new id.
func (s *Service) Duplicate(ctx context.Context, from uuid.UUID) (uuid.UUID, error) {
	src, err := s.Get(ctx, from)
	if err != nil {
		return uuid.Nil, err
	}
	return s.repo.Create(ctx, *src)
}

// Get returns a copy of a stored set.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.ParameterSet, error) {
	if set, ok := s.cache.Get(id.String()); ok {
		return clone(set), nil
	}
	set, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(id.String(), *clone(*set), 1, s.ttl)
	return set, nil
}

// List returns every stored set.
func (s *Service) List(ctx context.Context) ([]domain.ParameterSet, error) {
	return s.repo.List(ctx)
}

// Update replaces the values of id. A nil set resets it to defaults.
func (s *Service) Update(ctx context.Context, id uuid.UUID, set *domain.ParameterSet) error {
	next := domain.DefaultParameterSet(s.defaultProvider)
	if set != nil {
		if err := validate(*set); err != nil {
			return err
		}
		next = normalize(*set)
	}
	next.ID = id
	defer s.invalidate(id)
	return s.repo.Update(ctx, next)
}

// Delete removes id.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	defer s.invalidate(id)
	return s.repo.Delete(ctx, id)
}

// Provider returns the provider stored in id, which may be empty.
func (s *Service) Provider(ctx context.Context, id uuid.UUID) (string, error) {
	set, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return set.Provider, nil
}

// UpdateProvider sets the provider of id. An empty name resets it to the
// default provider.
func (s *Service) UpdateProvider(ctx context.Context, id uuid.UUID, provider string) error {
	set, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if provider == "" {
		provider = s.defaultProvider
	}
	set.Provider = provider
	defer s.invalidate(id)
	return s.repo.Update(ctx, *set)
}

func (s *Service) invalidate(id uuid.UUID) {
	s.cache.Del(id.String())
}

func validate(set domain.ParameterSet) error {
	if set.ScenarioDuration < 0 {
		return apperrors.Validation("scenarioDuration", "must not be negative")
	}
	if set.ContingenciesStartTime < 0 {
		return apperrors.Validation("contingenciesStartTime", "must not be negative")
	}
	return nil
}

func normalize(set domain.ParameterSet) domain.ParameterSet {
	if set.ContingencyListIDs == nil {
		set.ContingencyListIDs = []uuid.UUID{}
	}
	return set
}

func clone(set domain.ParameterSet) *domain.ParameterSet {
	set.ContingencyListIDs = slices.Clone(set.ContingencyListIDs)
	return &set
}
