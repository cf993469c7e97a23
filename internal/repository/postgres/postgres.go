package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

const pgUniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.BuildRepository   = (*Repository)(nil)
)

const projectColumns = `id, user_id, slug, is_public, git_url, env, created_at`

// UpsertProject inserts a project or updates the caller's own row in a single
// statement. The conditional DO UPDATE keeps the slug check atomic: when the
// existing row belongs to another user nothing is returned and nothing changes.
func (r *Repository) UpsertProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (user_id, slug, is_public, git_url, env, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE SET
			is_public = EXCLUDED.is_public,
			git_url = EXCLUDED.git_url,
			env = EXCLUDED.env
		WHERE projects.user_id = EXCLUDED.user_id
		RETURNING ` + projectColumns
	row := r.pool.QueryRow(ctx, query, project.OwnerID, project.Slug, project.IsPublic, project.SourceURL, project.EnvConfig, createdAt(project.CreatedAt))
	if err := scanProject(row, project); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return translate(err)
	}
	return nil
}

// InsertProject inserts a project only when the slug is unused.
func (r *Repository) InsertProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (user_id, slug, is_public, git_url, env, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO NOTHING
		RETURNING ` + projectColumns
	row := r.pool.QueryRow(ctx, query, project.OwnerID, project.Slug, project.IsPublic, project.SourceURL, project.EnvConfig, createdAt(project.CreatedAt))
	if err := scanProject(row, project); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return translate(err)
	}
	return nil
}

// GetProjectBySlug fetches a project by its slug.
func (r *Repository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE slug = $1`
	var project domain.Project
	if err := scanProject(r.pool.QueryRow(ctx, query, slug), &project); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjectsByOwner returns projects registered by the user, newest first.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID int64) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		if err := scanProject(rows, &project); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// CreateBuild inserts a build record.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	const query = `INSERT INTO builds (id, slug, user_id, state, worker_id, message, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		build.ID,
		build.Slug,
		build.OwnerID,
		string(build.State),
		build.WorkerID,
		build.Message,
		build.CreatedAt,
		build.UpdatedAt,
		timePtrToNil(build.CompletedAt),
	)
	return translate(err)
}

// UpdateBuildState advances a build. Builds already in a terminal state are
// left as they are; a build of another slug is reported as not found.
func (r *Repository) UpdateBuildState(ctx context.Context, update domain.BuildStateUpdate) error {
	const query = `UPDATE builds
		SET state = $2,
			worker_id = COALESCE($3, worker_id),
			message = COALESCE($4, message),
			completed_at = COALESCE($5, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND slug = $6 AND state NOT IN ('succeeded', 'failed')`
	tag, err := r.pool.Exec(ctx, query,
		update.BuildID,
		string(update.State),
		emptyToNil(update.WorkerID),
		emptyToNil(update.Message),
		timePtrToNil(update.CompletedAt),
		update.Slug,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM builds WHERE id = $1 AND slug = $2)`, update.BuildID, update.Slug).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return nil
}

// GetBuildByID fetches a build by identifier.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	const query = `SELECT id, slug, user_id, state, worker_id, message, created_at, updated_at, completed_at
		FROM builds WHERE id = $1`
	var build domain.Build
	if err := scanBuild(r.pool.QueryRow(ctx, query, buildID), &build); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &build, nil
}

// ListBuildsBySlug fetches recent builds for a slug.
func (r *Repository) ListBuildsBySlug(ctx context.Context, slug string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, slug, user_id, state, worker_id, message, created_at, updated_at, completed_at
		FROM builds WHERE slug = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, slug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		var build domain.Build
		if err := scanBuild(rows, &build); err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, rows.Err()
}

func scanProject(row pgx.Row, project *domain.Project) error {
	var sourceURL sql.NullString
	if err := row.Scan(&project.ID, &project.OwnerID, &project.Slug, &project.IsPublic, &sourceURL, &project.EnvConfig, &project.CreatedAt); err != nil {
		return err
	}
	project.SourceURL = sourceURL.String
	return nil
}

func scanBuild(row pgx.Row, build *domain.Build) error {
	var (
		state       string
		completedAt sql.NullTime
	)
	if err := row.Scan(&build.ID, &build.Slug, &build.OwnerID, &state, &build.WorkerID, &build.Message, &build.CreatedAt, &build.UpdatedAt, &completedAt); err != nil {
		return err
	}
	build.State = domain.BuildState(state)
	if completedAt.Valid {
		value := completedAt.Time
		build.CompletedAt = &value
	}
	return nil
}

// translate maps driver errors onto repository sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return repository.ErrConflict
	}
	return err
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
