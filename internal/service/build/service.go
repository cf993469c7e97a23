package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/project"
	"github.com/splax/launchpad/pkg/buildlog"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/metrics"
)

// StatusQueued is the only status a successful dispatch reports.
const StatusQueued = "queued"

const (
	launchTimeout    = 2 * time.Minute
	defaultListLimit = 20
	maxListLimit     = 100
	leaseKeyPrefix   = "build-lease:"
)

var (
	// ErrMissingField means the request lacked a required attribute.
	ErrMissingField = errors.New("missing required field")
	// ErrBuildInProgress means another build holds the slug lease.
	ErrBuildInProgress = errors.New("a build for this slug is already in progress")
	// ErrNotFound means no build carries the id.
	ErrNotFound = errors.New("build not found")
	// ErrWorkerLaunch wraps launch failures. It is recorded on the build and
	// never returned from Dispatch.
	ErrWorkerLaunch = errors.New("worker launch failed")
)

// Launcher starts an isolated build worker and returns its id.
type Launcher interface {
	Launch(ctx context.Context, spec domain.WorkerSpec) (string, error)
}

// LeaseStore guards a slug against concurrent launches.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}

// Registry is the subset of the project registry the dispatcher relies on.
type Registry interface {
	RegisterOrUpdate(ctx context.Context, input project.RegisterInput) (*domain.Project, error)
	CheckSlugAvailable(ctx context.Context, callerID int64, slug string) (bool, error)
	Visible(ctx context.Context, callerID int64, slug string) error
}

// DispatchInput carries a build request from an authenticated caller.
type DispatchInput struct {
	OwnerID   int64
	Slug      string
	IsPublic  bool
	SourceURL string
	EnvVars   json.RawMessage
}

// Result is returned once a build has been accepted.
type Result struct {
	Status  string
	Slug    string
	BuildID string
}

// Service registers projects and launches build workers for them.
type Service struct {
	registry  Registry
	builds    repository.BuildRepository
	launcher  Launcher
	publisher buildlog.Publisher
	leases    LeaseStore
	logger    *slog.Logger

	serialize   bool
	leaseTTL    time.Duration
	credentials domain.WorkerCredentials

	dispatched *prometheus.CounterVec
	now        func() time.Time
}

// New returns a dispatcher. leases may be nil when builds are not serialized.
func New(registry Registry, builds repository.BuildRepository, launcher Launcher, publisher buildlog.Publisher, leases LeaseStore, logger *slog.Logger, cfg config.APIConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.BuildLeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		registry:  registry,
		builds:    builds,
		launcher:  launcher,
		publisher: publisher,
		leases:    leases,
		logger:    logger,
		serialize: cfg.SerializeBuilds && leases != nil,
		leaseTTL:  ttl,
		credentials: domain.WorkerCredentials{
			AccessKeyID:     cfg.WorkerAccessKeyID,
			SecretAccessKey: cfg.WorkerSecretAccessKey,
		},
		dispatched: metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "builds",
			Name:      "dispatched_total",
			Help:      "Build dispatch outcomes",
		}, []string{"outcome"})),
		now: time.Now,
	}
}

// Dispatch registers (or updates) the project and launches a worker for it.
// Registration and ownership errors are returned; launch failures are
// recorded on the build and published to the log channel, and the caller
// still receives a queued result. A request rejected because the slug is
// busy leaves the project untouched.
func (s *Service) Dispatch(ctx context.Context, input DispatchInput) (Result, error) {
	sourceURL := strings.TrimSpace(input.SourceURL)
	if sourceURL == "" {
		return Result{}, fmt.Errorf("%w: sourceUrl", ErrMissingField)
	}
	slug := strings.TrimSpace(input.Slug)
	if slug != "" && !project.ValidSlug(slug) {
		return Result{}, project.ErrInvalidSlugFormat
	}

	buildID := uuid.NewString()
	var leased bool
	if slug != "" && s.serialize {
		// Only the owner may hold the lease of an existing slug.
		available, err := s.registry.CheckSlugAvailable(ctx, input.OwnerID, slug)
		if err != nil {
			s.dispatched.WithLabelValues("rejected").Inc()
			return Result{}, err
		}
		if !available {
			s.dispatched.WithLabelValues("rejected").Inc()
			return Result{}, project.ErrAccessDenied
		}
		if leased, err = s.acquire(ctx, slug, buildID); err != nil {
			s.dispatched.WithLabelValues("busy").Inc()
			return Result{}, err
		}
	}

	proj, err := s.registry.RegisterOrUpdate(ctx, project.RegisterInput{
		OwnerID:   input.OwnerID,
		Slug:      slug,
		IsPublic:  input.IsPublic,
		SourceURL: sourceURL,
		EnvConfig: input.EnvVars,
	})
	if err != nil {
		if leased {
			s.release(ctx, slug, buildID)
		}
		s.dispatched.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	// A freshly generated slug cannot be leased by anyone else yet.
	if slug == "" {
		if leased, err = s.acquire(ctx, proj.Slug, buildID); err != nil {
			s.dispatched.WithLabelValues("busy").Inc()
			return Result{}, err
		}
	}

	now := s.now().UTC()
	record := &domain.Build{
		ID:        buildID,
		Slug:      proj.Slug,
		OwnerID:   input.OwnerID,
		State:     domain.BuildQueued,
		Message:   "build requested",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.builds.CreateBuild(ctx, record); err != nil {
		if leased {
			s.release(ctx, proj.Slug, buildID)
		}
		return Result{}, fmt.Errorf("%w: %w", project.ErrStorage, err)
	}

	s.launch(context.WithoutCancel(ctx), proj, buildID, leased)
	return Result{Status: StatusQueued, Slug: proj.Slug, BuildID: buildID}, nil
}

func (s *Service) launch(ctx context.Context, proj *domain.Project, buildID string, leased bool) {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	logger := s.logger.With("slug", proj.Slug, "build_id", buildID)
	emitter, err := buildlog.NewEmitter(s.publisher, proj.Slug, buildID)
	if err != nil {
		logger.Error("build emitter unavailable", "error", err)
	}
	s.transition(ctx, logger, emitter, domain.BuildStateUpdate{BuildID: buildID, Slug: proj.Slug, State: domain.BuildLaunching, Message: "launching worker"})

	workerID, err := s.launcher.Launch(ctx, domain.WorkerSpec{
		SourceURL:   proj.SourceURL,
		Slug:        proj.Slug,
		BuildID:     buildID,
		Channel:     buildlog.Channel(proj.Slug),
		EnvVarsJSON: proj.EnvConfig,
		Credentials: s.credentials,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrWorkerLaunch, err)
		logger.Error("worker launch failed", "error", err)
		completed := s.now().UTC()
		s.transition(ctx, logger, emitter, domain.BuildStateUpdate{
			BuildID:     buildID,
			Slug:        proj.Slug,
			State:       domain.BuildFailed,
			Message:     err.Error(),
			CompletedAt: &completed,
		})
		if leased {
			s.release(ctx, proj.Slug, buildID)
		}
		s.dispatched.WithLabelValues("launch_failed").Inc()
		return
	}

	logger.Info("worker launched", "worker_id", workerID)
	s.transition(ctx, logger, emitter, domain.BuildStateUpdate{
		BuildID:  buildID,
		Slug:     proj.Slug,
		State:    domain.BuildRunning,
		WorkerID: workerID,
		Message:  "worker started",
	})
	s.dispatched.WithLabelValues("launched").Inc()
}

// transition persists the update and mirrors it on the log channel. Both
// are best effort.
func (s *Service) transition(ctx context.Context, logger *slog.Logger, emitter *buildlog.Emitter, update domain.BuildStateUpdate) {
	if err := s.builds.UpdateBuildState(ctx, update); err != nil {
		logger.Warn("failed to record build state", "state", update.State, "error", err)
	}
	if emitter == nil {
		return
	}
	if err := emitter.Transition(ctx, buildlog.State(update.State), update.Message, update.WorkerID); err != nil {
		logger.Warn("failed to publish build state", "state", update.State, "error", err)
	}
}

func (s *Service) acquire(ctx context.Context, slug, buildID string) (bool, error) {
	if !s.serialize {
		return false, nil
	}
	ok, err := s.leases.AcquireLease(ctx, leaseKey(slug), buildID, s.leaseTTL)
	if err != nil {
		s.logger.Warn("build lease unavailable; launching unserialized", "slug", slug, "error", err)
		return false, nil
	}
	if !ok {
		return false, ErrBuildInProgress
	}
	return true, nil
}

func (s *Service) release(ctx context.Context, slug, buildID string) {
	if s.leases == nil {
		return
	}
	if err := s.leases.ReleaseLease(ctx, leaseKey(slug), buildID); err != nil {
		s.logger.Warn("failed to release build lease", "slug", slug, "build_id", buildID, "error", err)
	}
}

// Get returns a build visible to callerID.
func (s *Service) Get(ctx context.Context, callerID int64, buildID string) (*domain.Build, error) {
	if _, err := uuid.Parse(buildID); err != nil {
		return nil, ErrNotFound
	}
	record, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", project.ErrStorage, err)
	}
	if err := s.registry.Visible(ctx, callerID, record.Slug); err != nil {
		if errors.Is(err, project.ErrAccessDenied) {
			return nil, err
		}
		if errors.Is(err, project.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListBySlug returns the most recent builds of a slug visible to callerID.
func (s *Service) ListBySlug(ctx context.Context, callerID int64, slug string, limit int) ([]domain.Build, error) {
	if err := s.registry.Visible(ctx, callerID, slug); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	builds, err := s.builds.ListBuildsBySlug(ctx, slug, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", project.ErrStorage, err)
	}
	return builds, nil
}

func leaseKey(slug string) string {
	return leaseKeyPrefix + slug
}
