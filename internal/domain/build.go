package domain

import "time"

// BuildState is the lifecycle position of a build job.
type BuildState string

// Build states in lifecycle order.
const (
	BuildQueued    BuildState = "queued"
	BuildLaunching BuildState = "launching"
	BuildRunning   BuildState = "running"
	BuildSucceeded BuildState = "succeeded"
	BuildFailed    BuildState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s BuildState) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed
}

// Valid reports whether s is a known state.
func (s BuildState) Valid() bool {
	switch s {
	case BuildQueued, BuildLaunching, BuildRunning, BuildSucceeded, BuildFailed:
		return true
	}
	return false
}

// Build captures a single build attempt for a project slug.
type Build struct {
	ID          string
	Slug        string
	OwnerID     int64
	State       BuildState
	WorkerID    string
	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// BuildStateUpdate captures mutable fields for a build. It only applies to
// the build with BuildID that belongs to Slug.
type BuildStateUpdate struct {
	BuildID     string
	Slug        string
	State       BuildState
	WorkerID    string
	Message     string
	CompletedAt *time.Time
}

// WorkerCredentials are the deployment credentials handed to a worker.
type WorkerCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// WorkerSpec is the contract for launching an isolated build worker.
type WorkerSpec struct {
	SourceURL   string
	Slug        string
	BuildID     string
	Channel     string
	EnvVarsJSON []byte
	Credentials WorkerCredentials
}
