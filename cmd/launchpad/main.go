package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/launchpad/pkg/api/client"
	"github.com/splax/launchpad/pkg/buildlog"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPIBase = "http://localhost:9000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "build":
		err = commandBuild(args)
	case "projects":
		err = commandProjects(args)
	case "project":
		err = commandProject(args)
	case "check-slug":
		err = commandCheckSlug(args)
	case "builds":
		err = commandBuilds(args)
	case "status":
		err = commandStatus(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (prompted when omitted)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(raw))
	}
	if secret == "" {
		return errors.New("a token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListProjects(ctx, secret); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository URL")
	slug := fs.String("slug", "", "Project slug (generated when omitted)")
	public := fs.Bool("public", false, "Make build logs and project visible to everyone")
	follow := fs.Bool("follow", false, "Stream build logs until the build finishes")
	env := make(map[string]string)
	fs.Func("env", "Environment variable KEY=VALUE (repeatable)", func(value string) error {
		key, val, ok := strings.Cut(value, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("expected KEY=VALUE, got %q", value)
		}
		env[strings.TrimSpace(key)] = val
		return nil
	})
	fs.Parse(args)

	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	input := apiclient.BuildInput{SourceURL: *repo, Slug: *slug, IsPublic: *public}
	if len(env) > 0 {
		input.EnvVars = env
	}
	res, err := client.BuildProject(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("%s\tslug=%s\tbuild=%s\n", res.Status, res.Slug, res.BuildID)
	if !*follow {
		return nil
	}
	return tail(client, token, res.Slug, res.BuildID)
}

func commandProjects(args []string) error {
	fs := flag.NewFlagSet("projects", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, token)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\n", p.Slug, visibility(p.IsPublic), p.GitURL)
	}
	return nil
}

func commandProject(args []string) error {
	fs := flag.NewFlagSet("project", flag.ExitOnError)
	slug := fs.String("slug", "", "Project slug")
	fs.Parse(args)
	if strings.TrimSpace(*slug) == "" {
		return errors.New("--slug is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.GetProject(ctx, token, *slug)
	if err != nil {
		return err
	}
	fmt.Printf("slug:\t\t%s\nvisibility:\t%s\nsource:\t\t%s\ncreated:\t%s\n", p.Slug, visibility(p.IsPublic), p.GitURL, p.CreatedAt.Local().Format(time.RFC1123))
	if len(p.EnvVars) > 0 && string(p.EnvVars) != "null" {
		fmt.Printf("env:\t\t%s\n", p.EnvVars)
	}
	return nil
}

func commandCheckSlug(args []string) error {
	fs := flag.NewFlagSet("check-slug", flag.ExitOnError)
	slug := fs.String("slug", "", "Slug to check")
	fs.Parse(args)
	if strings.TrimSpace(*slug) == "" {
		return errors.New("--slug is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	available, err := client.CheckSlug(ctx, token, *slug)
	if err != nil {
		return err
	}
	if available {
		fmt.Printf("%s is available\n", *slug)
		return nil
	}
	fmt.Printf("%s is taken\n", *slug)
	return nil
}

func commandBuilds(args []string) error {
	fs := flag.NewFlagSet("builds", flag.ExitOnError)
	slug := fs.String("slug", "", "Project slug")
	limit := fs.Int("limit", 10, "Maximum number of builds to display")
	fs.Parse(args)
	if strings.TrimSpace(*slug) == "" {
		return errors.New("--slug is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	builds, err := client.ListBuilds(ctx, token, *slug, *limit)
	if err != nil {
		return err
	}
	for _, b := range builds {
		fmt.Printf("%s\t%s\t%s\t%s\n", b.ID, b.State, b.CreatedAt.Local().Format(time.DateTime), b.Message)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("id", "", "Build ID")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--id is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b, err := client.GetBuild(ctx, token, *id)
	if err != nil {
		return err
	}
	fmt.Printf("build:\t\t%s\nslug:\t\t%s\nstate:\t\t%s\n", b.ID, b.Slug, b.State)
	if b.WorkerID != "" {
		fmt.Printf("worker:\t\t%s\n", b.WorkerID)
	}
	if b.Message != "" {
		fmt.Printf("message:\t%s\n", b.Message)
	}
	if b.CompletedAt != nil {
		fmt.Printf("completed:\t%s\n", b.CompletedAt.Local().Format(time.RFC1123))
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	slug := fs.String("slug", "", "Project slug")
	fs.Parse(args)
	if strings.TrimSpace(*slug) == "" {
		return errors.New("--slug is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	return tail(client, token, *slug, "")
}

// tail prints live log lines for slug until interrupted. When buildID is
// set it returns once that build reports a terminal state.
func tail(client *apiclient.Client, token, slug, buildID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var failed error
	err := client.StreamLogs(ctx, token, slug, func(frame apiclient.LogFrame) error {
		event, ok := buildlog.ParseLifecycle([]byte(frame.Data))
		if !ok {
			fmt.Println(frame.Data)
			return nil
		}
		fmt.Printf("[%s] %s\n", event.State, event.Message)
		if buildID == "" || event.BuildID != buildID || !event.Terminal {
			return nil
		}
		if event.State == buildlog.StateFailed {
			failed = fmt.Errorf("build %s failed: %s", buildID, event.Message)
		}
		return apiclient.ErrStopStream
	})
	if err != nil {
		return err
	}
	return failed
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'launchpad login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func visibility(public bool) string {
	if public {
		return "public"
	}
	return "private"
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "launchpad", "config.json"), nil
}

func printUsage() {
	fmt.Printf("launchpad CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	launchpad login [--token <jwt>] [--api http://localhost:9000]
	launchpad build --repo <url> [--slug my-app] [--public] [--env KEY=VALUE]... [--follow]
	launchpad projects
	launchpad project --slug <slug>
	launchpad check-slug --slug <slug>
	launchpad builds --slug <slug> [--limit N]
	launchpad status --id <build-id>
	launchpad logs --slug <slug>
	launchpad version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
