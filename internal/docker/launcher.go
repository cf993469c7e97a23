package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// Options selects the daemon and the shape of worker containers. An empty
// Host falls back to DOCKER_HOST and the other daemon environment variables.
type Options struct {
	Host    string
	Image   string
	Network string
}

// Launcher starts build workers as detached, self-removing containers.
type Launcher struct {
	api     *client.Client
	image   string
	network string
}

// NewLauncher connects a launcher to the daemon described by opts. The
// daemon is not contacted until the first call.
func NewLauncher(opts Options) (*Launcher, error) {
	image := strings.TrimSpace(opts.Image)
	if image == "" {
		return nil, errors.New("worker image cannot be empty")
	}
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := strings.TrimSpace(opts.Host); host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Launcher{api: api, image: image, network: strings.TrimSpace(opts.Network)}, nil
}

// Ping checks the daemon and returns the API version it negotiated.
func (l *Launcher) Ping(ctx context.Context) (string, error) {
	ping, err := l.api.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return "", errors.New("docker ping returned empty API version")
	}
	return ping.APIVersion, nil
}

// Close releases the daemon connection.
func (l *Launcher) Close() error {
	return l.api.Close()
}
