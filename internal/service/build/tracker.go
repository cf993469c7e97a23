package build

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/pkg/buildlog"
)

const trackerQueue = 256

// Tracker folds lifecycle events seen on the log channels back into build
// records. It is fed from the relay and never blocks it.
type Tracker struct {
	builds repository.BuildRepository
	leases LeaseStore
	logger *slog.Logger
	events chan buildlog.Lifecycle
	now    func() time.Time
}

// NewTracker returns a tracker. leases may be nil.
func NewTracker(builds repository.BuildRepository, leases LeaseStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		builds: builds,
		leases: leases,
		logger: logger,
		events: make(chan buildlog.Lifecycle, trackerQueue),
		now:    time.Now,
	}
}

// Observe accepts a relayed payload. Plain log lines are ignored and a full
// queue drops the event. The channel decides which slug the event belongs
// to; an event naming a different slug is dropped.
func (t *Tracker) Observe(channel string, payload []byte) {
	event, ok := buildlog.ParseLifecycle(payload)
	if !ok {
		return
	}
	slug, ok := buildlog.SlugFromChannel(channel)
	if !ok {
		return
	}
	if event.Slug != "" && event.Slug != slug {
		t.logger.Warn("lifecycle event slug does not match its channel; dropping", "channel", channel, "slug", event.Slug, "build_id", event.BuildID)
		return
	}
	event.Slug = slug
	select {
	case t.events <- event:
	default:
		t.logger.Warn("build tracker queue full; dropping lifecycle event", "build_id", event.BuildID, "state", event.State)
	}
}

// Run applies queued events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-t.events:
			t.apply(ctx, event)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, event buildlog.Lifecycle) {
	state := domain.BuildState(event.State)
	if !state.Valid() {
		t.logger.Debug("ignoring unknown build state", "build_id", event.BuildID, "state", event.State)
		return
	}
	// queued and launching are written by the dispatcher itself; replaying
	// them late would move a running build backwards.
	if state == domain.BuildQueued || state == domain.BuildLaunching {
		return
	}
	if event.Slug == "" {
		return
	}
	terminal := event.Terminal || state.Terminal()
	update := domain.BuildStateUpdate{
		BuildID:  event.BuildID,
		Slug:     event.Slug,
		State:    state,
		WorkerID: event.WorkerID,
		Message:  event.Message,
	}
	if terminal {
		completed := event.Timestamp
		if completed.IsZero() {
			completed = t.now().UTC()
		}
		update.CompletedAt = &completed
	}
	if err := t.builds.UpdateBuildState(ctx, update); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			t.logger.Debug("lifecycle event for unknown build", "build_id", event.BuildID, "slug", event.Slug)
			return
		}
		t.logger.Warn("failed to apply lifecycle event", "build_id", event.BuildID, "state", state, "error", err)
		return
	}
	if terminal && t.leases != nil {
		if err := t.leases.ReleaseLease(ctx, leaseKey(event.Slug), event.BuildID); err != nil {
			t.logger.Warn("failed to release build lease", "slug", event.Slug, "build_id", event.BuildID, "error", err)
		}
	}
	t.logger.Info("build state updated", "build_id", event.BuildID, "slug", event.Slug, "state", state)
}
