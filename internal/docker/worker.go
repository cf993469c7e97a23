package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
)

// Worker environment variable names understood by the build-server image.
const (
	EnvRepositoryURL   = "GIT_REPOSITORY__URL"
	EnvProjectID       = "PROJECT_ID"
	EnvVars            = "ENV_VARS"
	EnvBuildID         = "BUILD_ID"
	EnvLogChannel      = "LOG_CHANNEL"
	EnvAccessKeyID     = "accessKeyId"
	EnvSecretAccessKey = "secretAccessKey"
)

const labelPrefix = "launchpad."

// ErrImageNotFound means the daemon has no copy of the worker image.
var ErrImageNotFound = errors.New("worker image not found")

// Launch creates and starts the worker container and returns its id. It
// returns as soon as the daemon has started the container.
func (l *Launcher) Launch(ctx context.Context, spec domain.WorkerSpec) (string, error) {
	if l == nil || l.api == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	config, hostCfg := l.containerConfig(spec)
	name := containerName(spec)

	created, err := l.api.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, l.image)
		}
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

func (l *Launcher) containerConfig(spec domain.WorkerSpec) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image: l.image,
		Env:   workerEnv(spec),
		Labels: map[string]string{
			labelPrefix + "slug":     spec.Slug,
			labelPrefix + "build_id": spec.BuildID,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
	}
	if l.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.network)
	}
	return config, hostCfg
}

func workerEnv(spec domain.WorkerSpec) []string {
	envVars := string(spec.EnvVarsJSON)
	if envVars == "" {
		envVars = "null"
	}
	return []string{
		EnvRepositoryURL + "=" + spec.SourceURL,
		EnvProjectID + "=" + spec.Slug,
		EnvVars + "=" + envVars,
		EnvBuildID + "=" + spec.BuildID,
		EnvLogChannel + "=" + spec.Channel,
		EnvAccessKeyID + "=" + spec.Credentials.AccessKeyID,
		EnvSecretAccessKey + "=" + spec.Credentials.SecretAccessKey,
	}
}

// containerName is unique per launch so racing builds of one slug do not
// collide on the daemon.
func containerName(spec domain.WorkerSpec) string {
	suffix := spec.BuildID
	if suffix == "" {
		suffix = uuid.NewString()
	}
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "build-" + spec.Slug + "-" + suffix
}
