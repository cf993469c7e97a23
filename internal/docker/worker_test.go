package docker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/splax/launchpad/internal/domain"
)

func TestContainerConfigCarriesWorkerContract(t *testing.T) {
	l := &Launcher{image: "build-server", network: "host"}
	spec := domain.WorkerSpec{
		SourceURL:   "https://example/repo",
		Slug:        "my-app",
		BuildID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
		Channel:     "logs:my-app",
		EnvVarsJSON: []byte(`{"A":"1"}`),
		Credentials: domain.WorkerCredentials{AccessKeyID: "AKIA", SecretAccessKey: "shh"},
	}
	config, hostCfg := l.containerConfig(spec)

	if config.Image != "build-server" {
		t.Fatalf("unexpected image %q", config.Image)
	}
	want := map[string]string{
		EnvRepositoryURL:   "https://example/repo",
		EnvProjectID:       "my-app",
		EnvVars:            `{"A":"1"}`,
		EnvBuildID:         spec.BuildID,
		EnvLogChannel:      "logs:my-app",
		EnvAccessKeyID:     "AKIA",
		EnvSecretAccessKey: "shh",
	}
	got := make(map[string]string)
	for _, kv := range config.Env {
		key, value, _ := strings.Cut(kv, "=")
		got[key] = value
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("env %s: expected %q, got %q", key, value, got[key])
		}
	}
	if !hostCfg.AutoRemove {
		t.Fatal("expected worker container to be auto-removed")
	}
	if string(hostCfg.NetworkMode) != "host" {
		t.Fatalf("unexpected network mode %q", hostCfg.NetworkMode)
	}
	if config.Labels["launchpad.slug"] != "my-app" {
		t.Fatalf("missing slug label: %v", config.Labels)
	}
}

func TestWorkerEnvDefaultsMissingEnvVarsToNull(t *testing.T) {
	env := workerEnv(domain.WorkerSpec{Slug: "my-app"})
	found := false
	for _, kv := range env {
		if kv == EnvVars+"=null" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ENV_VARS=null, got %v", env)
	}
}

func TestContainerNameIsPerLaunch(t *testing.T) {
	a := containerName(domain.WorkerSpec{Slug: "my-app", BuildID: "aaaaaaaa-1111"})
	b := containerName(domain.WorkerSpec{Slug: "my-app", BuildID: "bbbbbbbb-2222"})
	if a == b {
		t.Fatalf("expected distinct names, got %q", a)
	}
	if a != "build-my-app-aaaaaaaa" {
		t.Fatalf("unexpected name %q", a)
	}
}

func fakeDaemon(t *testing.T, create http.HandlerFunc) *Launcher {
	t.Helper()
	t.Setenv("DOCKER_CERT_PATH", "")
	t.Setenv("DOCKER_TLS_VERIFY", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_ping"):
			w.Header().Set("API-Version", "1.45")
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/containers/create"):
			create(w, r)
		case strings.HasSuffix(r.URL.Path, "/start"):
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	l, err := NewLauncher(Options{Host: "tcp://" + strings.TrimPrefix(srv.URL, "http://"), Image: "build-server"})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLaunchReturnsContainerID(t *testing.T) {
	var name string
	l := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		name = r.URL.Query().Get("name")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"c0ffee","Warnings":[]}`))
	})
	id, err := l.Launch(context.Background(), domain.WorkerSpec{Slug: "brave-otter", BuildID: "0123456789abcdef"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if id != "c0ffee" {
		t.Fatalf("expected container id c0ffee, got %q", id)
	}
	if name != "build-brave-otter-01234567" {
		t.Fatalf("unexpected container name %q", name)
	}
}

func TestLaunchMissingImage(t *testing.T) {
	l := fakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No such image: build-server:latest"}`))
	})
	_, err := l.Launch(context.Background(), domain.WorkerSpec{Slug: "brave-otter", BuildID: "b1"})
	if !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
}

func TestPingReportsNegotiatedVersion(t *testing.T) {
	l := fakeDaemon(t, http.NotFound)
	version, err := l.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if version != "1.45" {
		t.Fatalf("expected api version 1.45, got %q", version)
	}
}

func TestNewLauncherRequiresImage(t *testing.T) {
	if _, err := NewLauncher(Options{Image: "  "}); err == nil {
		t.Fatal("expected an error for an empty worker image")
	}
}
