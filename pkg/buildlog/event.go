// Package buildlog defines the wire contract between build workers and the
// log relay: channel naming and the lifecycle event schema that shares the
// channel with plain log lines.
package buildlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ChannelPrefix prefixes every build log channel.
const ChannelPrefix = "logs:"

// Pattern is the broker pattern matching every build log channel.
const Pattern = ChannelPrefix + "*"

// TypeLifecycle marks a payload as a lifecycle event rather than a log line.
const TypeLifecycle = "lifecycle"

// State mirrors the build lifecycle on the wire.
type State string

// Lifecycle states.
const (
	StateQueued    State = "queued"
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Channel returns the broker channel for slug.
func Channel(slug string) string {
	return ChannelPrefix + slug
}

// SlugFromChannel extracts the slug from a logs:<slug> channel name.
func SlugFromChannel(channel string) (string, bool) {
	slug, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok || slug == "" {
		return "", false
	}
	return slug, true
}

// Lifecycle is a build state transition. Terminal is the explicit completion
// marker; consumers must not infer completion from anything else.
type Lifecycle struct {
	Type      string    `json:"type"`
	BuildID   string    `json:"build_id"`
	Slug      string    `json:"slug"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders the event as JSON, filling in type and timestamp.
func (e Lifecycle) Encode() ([]byte, error) {
	e.Type = TypeLifecycle
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Terminal = e.Terminal || e.State == StateSucceeded || e.State == StateFailed
	return json.Marshal(e)
}

// ParseLifecycle decodes payload when it is a lifecycle event. Plain log
// lines, including ones that happen to be JSON, report false.
func ParseLifecycle(payload []byte) (Lifecycle, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Lifecycle{}, false
	}
	var event Lifecycle
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return Lifecycle{}, false
	}
	if event.Type != TypeLifecycle || event.BuildID == "" || event.State == "" {
		return Lifecycle{}, false
	}
	return event, true
}
