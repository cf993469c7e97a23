package buildlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Publisher delivers a payload to a broker channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Emitter publishes log lines and lifecycle events for one build.
type Emitter struct {
	pub     Publisher
	slug    string
	buildID string
	now     func() time.Time
}

// NewEmitter creates an emitter bound to slug and buildID.
func NewEmitter(pub Publisher, slug, buildID string) (*Emitter, error) {
	if pub == nil {
		return nil, errors.New("buildlog publisher required")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, errors.New("buildlog requires slug")
	}
	return &Emitter{pub: pub, slug: slug, buildID: strings.TrimSpace(buildID), now: time.Now}, nil
}

// Channel reports the channel the emitter publishes to.
func (e *Emitter) Channel() string {
	return Channel(e.slug)
}

// Line publishes a plain log line verbatim.
func (e *Emitter) Line(ctx context.Context, line string) error {
	if err := e.pub.Publish(ctx, e.Channel(), []byte(line)); err != nil {
		return fmt.Errorf("publish log line: %w", err)
	}
	return nil
}

// Transition publishes a lifecycle event.
func (e *Emitter) Transition(ctx context.Context, state State, message, workerID string) error {
	if e.buildID == "" {
		return errors.New("buildlog lifecycle requires build id")
	}
	payload, err := Lifecycle{
		BuildID:   e.buildID,
		Slug:      e.slug,
		State:     state,
		Message:   message,
		WorkerID:  workerID,
		Timestamp: e.now().UTC(),
	}.Encode()
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	if err := e.pub.Publish(ctx, e.Channel(), payload); err != nil {
		return fmt.Errorf("publish lifecycle event: %w", err)
	}
	return nil
}

// Finish publishes the terminal event: succeeded when err is nil, failed otherwise.
func (e *Emitter) Finish(ctx context.Context, err error) error {
	if err != nil {
		return e.Transition(ctx, StateFailed, err.Error(), "")
	}
	return e.Transition(ctx, StateSucceeded, "build finished", "")
}
