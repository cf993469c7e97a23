package project

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/pkg/config"
)

// memoryProjectRepository mimics the unique slug constraint of the projects table.
type memoryProjectRepository struct {
	mu      sync.Mutex
	nextID  int64
	bySlug  map[string]domain.Project
	calls   int
	failErr error
}

func newMemoryProjectRepository() *memoryProjectRepository {
	return &memoryProjectRepository{bySlug: make(map[string]domain.Project)}
}

func (m *memoryProjectRepository) UpsertProject(ctx context.Context, project *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failErr != nil {
		return m.failErr
	}
	if existing, ok := m.bySlug[project.Slug]; ok {
		if existing.OwnerID != project.OwnerID {
			return repository.ErrConflict
		}
		existing.IsPublic = project.IsPublic
		existing.SourceURL = project.SourceURL
		existing.EnvConfig = project.EnvConfig
		m.bySlug[project.Slug] = existing
		*project = existing
		return nil
	}
	m.nextID++
	project.ID = m.nextID
	m.bySlug[project.Slug] = *project
	return nil
}

func (m *memoryProjectRepository) InsertProject(ctx context.Context, project *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failErr != nil {
		return m.failErr
	}
	if _, ok := m.bySlug[project.Slug]; ok {
		return repository.ErrConflict
	}
	m.nextID++
	project.ID = m.nextID
	m.bySlug[project.Slug] = *project
	return nil
}

func (m *memoryProjectRepository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failErr != nil {
		return nil, m.failErr
	}
	project, ok := m.bySlug[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

func (m *memoryProjectRepository) ListProjectsByOwner(ctx context.Context, ownerID int64) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	projects := make([]domain.Project, 0)
	for _, project := range m.bySlug {
		if project.OwnerID == ownerID {
			projects = append(projects, project)
		}
	}
	return projects, nil
}

func (m *memoryProjectRepository) rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySlug)
}

func (m *memoryProjectRepository) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestService(repo repository.ProjectRepository, key string) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, log, config.APIConfig{EnvEncryptionKey: key, SlugGenerationAttempts: 3})
}

func TestValidSlug(t *testing.T) {
	valid := []string{"my-app", "a", "app1", "1-2-3", "quiet-golden-otter"}
	invalid := []string{"", "Bad Slug!", "-app", "app-", "my--app", "My-App", "my_app", "my app"}
	for _, slug := range valid {
		if !ValidSlug(slug) {
			t.Fatalf("expected %q to be valid", slug)
		}
	}
	for _, slug := range invalid {
		if ValidSlug(slug) {
			t.Fatalf("expected %q to be invalid", slug)
		}
	}
}

func TestGenerateSlugIsValid(t *testing.T) {
	for i := 0; i < 200; i++ {
		slug := GenerateSlug()
		if !ValidSlug(slug) {
			t.Fatalf("generated invalid slug %q", slug)
		}
		if n := len(strings.Split(slug, "-")); n != slugWords {
			t.Fatalf("expected %d words in %q, got %d", slugWords, slug, n)
		}
	}
}

func TestRegisterSameOwnerUpdatesInPlace(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()

	first, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "my-app", SourceURL: "https://example/repo"})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "my-app", SourceURL: "https://example/other", IsPublic: true})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id, got %d and %d", first.ID, second.ID)
	}
	if repo.rows() != 1 {
		t.Fatalf("expected one row, got %d", repo.rows())
	}
	stored, _ := repo.GetProjectBySlug(ctx, "my-app")
	if stored.SourceURL != "https://example/other" || !stored.IsPublic {
		t.Fatalf("expected updated fields, got %+v", stored)
	}
	if !stored.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, stored.CreatedAt)
	}
}

func TestRegisterForeignSlugIsDeniedWithoutMutation(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()

	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "my-app", SourceURL: "https://example/repo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 2, Slug: "my-app", SourceURL: "https://evil/repo", IsPublic: true})
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	stored, _ := repo.GetProjectBySlug(ctx, "my-app")
	if stored.OwnerID != 1 || stored.SourceURL != "https://example/repo" || stored.IsPublic {
		t.Fatalf("foreign registration mutated row: %+v", stored)
	}
}

func TestRegisterRejectsInvalidSlugBeforeStorage(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	_, err := svc.RegisterOrUpdate(context.Background(), RegisterInput{OwnerID: 1, Slug: "Bad Slug!", SourceURL: "x"})
	if !errors.Is(err, ErrInvalidSlugFormat) {
		t.Fatalf("expected ErrInvalidSlugFormat, got %v", err)
	}
	if repo.callCount() != 0 {
		t.Fatalf("expected no storage calls, got %d", repo.callCount())
	}
}

func TestRegisterGeneratesSlugAndRetriesOnCollision(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()
	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 9, Slug: "taken-slug", SourceURL: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	candidates := []string{"taken-slug", "fresh-slug"}
	svc.generate = func() string {
		next := candidates[0]
		candidates = candidates[1:]
		return next
	}
	project, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 9, SourceURL: "y"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if project.Slug != "fresh-slug" {
		t.Fatalf("expected fresh-slug, got %q", project.Slug)
	}
	existing, _ := repo.GetProjectBySlug(ctx, "taken-slug")
	if existing.SourceURL != "x" {
		t.Fatalf("generated collision must not update the existing row, got %+v", existing)
	}
}

func TestRegisterGenerationExhausted(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()
	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "same-slug", SourceURL: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc.generate = func() string { return "same-slug" }
	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, SourceURL: "x"}); !errors.Is(err, ErrSlugGenerationExhausted) {
		t.Fatalf("expected ErrSlugGenerationExhausted, got %v", err)
	}
}

func TestRegisterWrapsStorageFailure(t *testing.T) {
	repo := newMemoryProjectRepository()
	repo.failErr = errors.New("connection reset")
	svc := newTestService(repo, "")
	_, err := svc.RegisterOrUpdate(context.Background(), RegisterInput{OwnerID: 1, Slug: "my-app", SourceURL: "x"})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestRegisterEncryptsEnvAtRest(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "test-secret")
	ctx := context.Background()

	env := json.RawMessage(`{"API_KEY": "value-123"}`)
	project, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "my-app", SourceURL: "x", EnvConfig: env})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if string(project.EnvConfig) != `{"API_KEY":"value-123"}` {
		t.Fatalf("expected plaintext env in result, got %s", project.EnvConfig)
	}
	stored, _ := repo.GetProjectBySlug(ctx, "my-app")
	if string(stored.EnvConfig) == string(project.EnvConfig) {
		t.Fatal("expected env to be encrypted at rest")
	}
	fetched, err := svc.GetBySlug(ctx, 1, "my-app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(fetched.EnvConfig) != `{"API_KEY":"value-123"}` {
		t.Fatalf("expected decrypted env, got %s", fetched.EnvConfig)
	}
}

func TestRegisterRejectsNonObjectEnv(t *testing.T) {
	svc := newTestService(newMemoryProjectRepository(), "")
	_, err := svc.RegisterOrUpdate(context.Background(), RegisterInput{OwnerID: 1, Slug: "my-app", SourceURL: "x", EnvConfig: json.RawMessage(`[1,2]`)})
	if !errors.Is(err, ErrInvalidEnvConfig) {
		t.Fatalf("expected ErrInvalidEnvConfig, got %v", err)
	}
}

func TestCheckSlugAvailable(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()
	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "owned", SourceURL: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		caller int64
		slug   string
		want   bool
	}{
		{caller: 1, slug: "owned", want: true},
		{caller: 2, slug: "owned", want: false},
		{caller: 2, slug: "unused", want: true},
	}
	for _, tc := range cases {
		got, err := svc.CheckSlugAvailable(ctx, tc.caller, tc.slug)
		if err != nil {
			t.Fatalf("check %q: %v", tc.slug, err)
		}
		if got != tc.want {
			t.Fatalf("caller %d slug %q: expected %v, got %v", tc.caller, tc.slug, tc.want, got)
		}
	}
}

func TestCheckSlugAvailableRejectsBadFormatWithoutStorage(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	if _, err := svc.CheckSlugAvailable(context.Background(), 1, "Bad Slug!"); !errors.Is(err, ErrInvalidSlugFormat) {
		t.Fatalf("expected ErrInvalidSlugFormat, got %v", err)
	}
	if repo.callCount() != 0 {
		t.Fatalf("expected no storage calls, got %d", repo.callCount())
	}
}

func TestGetBySlugVisibility(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()
	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "private-app", SourceURL: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: 1, Slug: "public-app", SourceURL: "x", IsPublic: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := svc.GetBySlug(ctx, 1, "private-app"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.GetBySlug(ctx, 2, "private-app"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := svc.GetBySlug(ctx, 2, "public-app"); err != nil {
		t.Fatalf("public get: %v", err)
	}
	if _, err := svc.GetBySlug(ctx, 2, "missing-app"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentRegistrationKeepsSingleOwner(t *testing.T) {
	repo := newMemoryProjectRepository()
	svc := newTestService(repo, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.RegisterOrUpdate(ctx, RegisterInput{OwnerID: int64(i%2 + 1), Slug: "contested", SourceURL: "x"})
		}(i)
	}
	wg.Wait()

	stored, err := repo.GetProjectBySlug(ctx, "contested")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	for i, err := range results {
		owner := int64(i%2 + 1)
		if owner == stored.OwnerID && err != nil {
			t.Fatalf("owner registration %d failed: %v", i, err)
		}
		if owner != stored.OwnerID && !errors.Is(err, ErrAccessDenied) {
			t.Fatalf("expected ErrAccessDenied for non-owner %d, got %v", i, err)
		}
	}
	if repo.rows() != 1 {
		t.Fatalf("expected one row, got %d", repo.rows())
	}
}
