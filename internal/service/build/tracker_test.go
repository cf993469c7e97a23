package build

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/pkg/buildlog"
)

func newTestTracker(builds *buildRepoStub) *Tracker {
	return NewTracker(builds, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedBuild(builds *buildRepoStub, id string, state domain.BuildState) {
	_ = builds.CreateBuild(context.Background(), &domain.Build{ID: id, Slug: "my-app", State: state})
}

func TestTrackerMarksTerminalBuild(t *testing.T) {
	builds := newBuildRepoStub()
	seedBuild(builds, "b1", domain.BuildRunning)
	tracker := newTestTracker(builds)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	tracker.Observe("logs:my-app", []byte("Cloning repository..."))
	payload, _ := buildlog.Lifecycle{BuildID: "b1", State: buildlog.StateSucceeded, Message: "deployed"}.Encode()
	tracker.Observe("logs:my-app", payload)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if builds.get("b1").State == domain.BuildSucceeded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	b := builds.get("b1")
	if b.State != domain.BuildSucceeded || b.CompletedAt == nil || b.Message != "deployed" {
		t.Fatalf("unexpected build %+v", b)
	}
}

func TestTrackerIgnoresDispatcherOwnedStates(t *testing.T) {
	builds := newBuildRepoStub()
	seedBuild(builds, "b1", domain.BuildRunning)
	tracker := newTestTracker(builds)

	tracker.apply(context.Background(), buildlog.Lifecycle{BuildID: "b1", Slug: "my-app", State: buildlog.StateLaunching})
	if got := builds.get("b1").State; got != domain.BuildRunning {
		t.Fatalf("expected running build to stay running, got %s", got)
	}
}

func TestTrackerNeverLeavesTerminalState(t *testing.T) {
	builds := newBuildRepoStub()
	seedBuild(builds, "b1", domain.BuildFailed)
	tracker := newTestTracker(builds)

	tracker.apply(context.Background(), buildlog.Lifecycle{BuildID: "b1", Slug: "my-app", State: buildlog.StateRunning})
	if got := builds.get("b1").State; got != domain.BuildFailed {
		t.Fatalf("expected failed build to stay failed, got %s", got)
	}
}

func TestTrackerToleratesUnknownBuild(t *testing.T) {
	builds := newBuildRepoStub()
	tracker := newTestTracker(builds)
	tracker.apply(context.Background(), buildlog.Lifecycle{BuildID: "missing", Slug: "my-app", State: buildlog.StateFailed})
}

func TestTrackerTakesSlugFromChannel(t *testing.T) {
	builds := newBuildRepoStub()
	seedBuild(builds, "b1", domain.BuildRunning)
	tracker := newTestTracker(builds)

	foreign, _ := buildlog.Lifecycle{BuildID: "b1", State: buildlog.StateFailed, Message: "spoofed"}.Encode()
	tracker.Observe("logs:other-app", foreign)
	mislabeled, _ := buildlog.Lifecycle{BuildID: "b1", Slug: "my-app", State: buildlog.StateFailed, Message: "spoofed"}.Encode()
	tracker.Observe("logs:other-app", mislabeled)
	tracker.Observe("not-a-log-channel", mislabeled)

	if n := len(tracker.events); n != 1 {
		t.Fatalf("expected only the unlabeled event to be queued, got %d", n)
	}
	event := <-tracker.events
	if event.Slug != "other-app" {
		t.Fatalf("expected slug from channel, got %q", event.Slug)
	}
	tracker.apply(context.Background(), event)

	b := builds.get("b1")
	if b.State != domain.BuildRunning || b.Message == "spoofed" {
		t.Fatalf("build of my-app changed by an event on another channel: %+v", b)
	}
}

func TestTrackerReleasesLeaseOfChannelSlug(t *testing.T) {
	builds := newBuildRepoStub()
	seedBuild(builds, "b1", domain.BuildRunning)
	leases := newLeaseStub()
	leases.held[leaseKey("my-app")] = "b1"
	tracker := NewTracker(builds, leases, slog.New(slog.NewTextHandler(io.Discard, nil)))

	payload, _ := buildlog.Lifecycle{BuildID: "b1", State: buildlog.StateSucceeded}.Encode()
	tracker.Observe("logs:my-app", payload)
	tracker.apply(context.Background(), <-tracker.events)

	if leases.released != 1 {
		t.Fatalf("expected lease released, got %d", leases.released)
	}
	if got := builds.get("b1").State; got != domain.BuildSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
}
