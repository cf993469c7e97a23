package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/crypto"
)

const defaultSlugAttempts = 5

var (
	// ErrInvalidSlugFormat rejects slugs outside ^[a-z0-9]+(-[a-z0-9]+)*$.
	ErrInvalidSlugFormat = errors.New("invalid slug format. use only lowercase letters, numbers, and hyphens")
	// ErrAccessDenied means the slug or project belongs to another user.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound means no project carries the slug.
	ErrNotFound = errors.New("project not found")
	// ErrSlugGenerationExhausted means every generated slug collided.
	ErrSlugGenerationExhausted = errors.New("could not generate an unused slug")
	// ErrStorage wraps persistence failures.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidEnvConfig rejects env payloads that are not JSON.
	ErrInvalidEnvConfig = errors.New("env vars must be a JSON object")
)

// RegisterInput encapsulates registration attributes. An empty Slug asks
// the registry to generate one.
type RegisterInput struct {
	OwnerID   int64
	Slug      string
	IsPublic  bool
	SourceURL string
	EnvConfig json.RawMessage
}

// Service is the slug and project registry.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
	envKey   string
	attempts int
	generate func() string
}

// New returns a registry service.
func New(projects repository.ProjectRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	attempts := cfg.SlugGenerationAttempts
	if attempts <= 0 {
		attempts = defaultSlugAttempts
	}
	return Service{
		projects: projects,
		logger:   logger,
		envKey:   cfg.EnvEncryptionKey,
		attempts: attempts,
		generate: GenerateSlug,
	}
}

// RegisterOrUpdate stores the project under the requested slug, or under a
// freshly generated one when none is given. Re-registering an owned slug
// overwrites visibility, source and env; a slug owned by someone else is
// rejected with ErrAccessDenied and nothing is written.
func (s Service) RegisterOrUpdate(ctx context.Context, input RegisterInput) (*domain.Project, error) {
	slug := strings.TrimSpace(input.Slug)
	if slug != "" && !ValidSlug(slug) {
		return nil, ErrInvalidSlugFormat
	}
	envConfig, err := normalizeEnv(input.EnvConfig)
	if err != nil {
		return nil, err
	}
	sealed, err := s.seal(envConfig)
	if err != nil {
		return nil, err
	}
	project := &domain.Project{
		OwnerID:   input.OwnerID,
		Slug:      slug,
		IsPublic:  input.IsPublic,
		SourceURL: strings.TrimSpace(input.SourceURL),
		EnvConfig: sealed,
		CreatedAt: time.Now().UTC(),
	}

	if slug != "" {
		if err := s.projects.UpsertProject(ctx, project); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				s.logger.Warn("slug owned by another user", "slug", slug, "user_id", input.OwnerID)
				return nil, ErrAccessDenied
			}
			return nil, storageError(err)
		}
		project.EnvConfig = envConfig
		s.logger.Info("project registered", "slug", project.Slug, "project_id", project.ID, "user_id", project.OwnerID)
		return project, nil
	}

	for attempt := 1; attempt <= s.attempts; attempt++ {
		candidate := s.generate()
		if !ValidSlug(candidate) {
			continue
		}
		project.Slug = candidate
		err := s.projects.InsertProject(ctx, project)
		if err == nil {
			project.EnvConfig = envConfig
			s.logger.Info("project registered", "slug", project.Slug, "project_id", project.ID, "user_id", project.OwnerID, "generated", true)
			return project, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, storageError(err)
		}
		s.logger.Debug("generated slug collided", "slug", candidate, "attempt", attempt)
	}
	return nil, ErrSlugGenerationExhausted
}

// CheckSlugAvailable reports whether callerID may register slug: true when
// it is unused or already owned by the caller.
func (s Service) CheckSlugAvailable(ctx context.Context, callerID int64, slug string) (bool, error) {
	if !ValidSlug(slug) {
		return false, ErrInvalidSlugFormat
	}
	existing, err := s.projects.GetProjectBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		return false, storageError(err)
	}
	return existing.OwnedBy(callerID), nil
}

// ListForOwner returns the projects registered by ownerID.
func (s Service) ListForOwner(ctx context.Context, ownerID int64) ([]domain.Project, error) {
	projects, err := s.projects.ListProjectsByOwner(ctx, ownerID)
	if err != nil {
		return nil, storageError(err)
	}
	for i := range projects {
		projects[i].EnvConfig = s.open(projects[i])
	}
	return projects, nil
}

// GetBySlug returns the project when it is public or owned by callerID.
func (s Service) GetBySlug(ctx context.Context, callerID int64, slug string) (*domain.Project, error) {
	project, err := s.lookup(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !project.VisibleTo(callerID) {
		return nil, ErrAccessDenied
	}
	project.EnvConfig = s.open(*project)
	return project, nil
}

// Visible reports whether callerID may observe the slug's builds. It is
// GetBySlug without the env decryption.
func (s Service) Visible(ctx context.Context, callerID int64, slug string) error {
	project, err := s.lookup(ctx, slug)
	if err != nil {
		return err
	}
	if !project.VisibleTo(callerID) {
		return ErrAccessDenied
	}
	return nil
}

func (s Service) lookup(ctx context.Context, slug string) (*domain.Project, error) {
	if !ValidSlug(slug) {
		return nil, ErrNotFound
	}
	project, err := s.projects.GetProjectBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError(err)
	}
	return project, nil
}

func (s Service) seal(envConfig []byte) ([]byte, error) {
	if envConfig == nil || s.envKey == "" {
		return envConfig, nil
	}
	sealed, err := crypto.Seal(s.envKey, envConfig)
	if err != nil {
		return nil, fmt.Errorf("encrypt env config: %w", err)
	}
	return sealed, nil
}

func (s Service) open(project domain.Project) []byte {
	if project.EnvConfig == nil || s.envKey == "" {
		return project.EnvConfig
	}
	plain, err := crypto.Open(s.envKey, project.EnvConfig)
	if err != nil {
		s.logger.Warn("failed to decrypt env config", "slug", project.Slug, "error", err)
		return nil
	}
	return plain
}

// normalizeEnv compacts the JSON payload; null and empty mean no env.
func normalizeEnv(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var bag map[string]any
	if err := json.Unmarshal([]byte(trimmed), &bag); err != nil {
		return nil, ErrInvalidEnvConfig
	}
	compact, err := json.Marshal(bag)
	if err != nil {
		return nil, ErrInvalidEnvConfig
	}
	return compact, nil
}

func storageError(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
