package repository

import (
	"context"

	"github.com/splax/launchpad/internal/domain"
)

// ProjectRepository persists project records keyed by slug.
type ProjectRepository interface {
	// UpsertProject inserts the project or, when the slug exists and is owned
	// by project.OwnerID, overwrites its mutable fields. A slug held by a
	// different owner yields ErrConflict and leaves the row untouched. On
	// success project is refreshed with the stored id and created_at.
	UpsertProject(ctx context.Context, project *domain.Project) error
	// InsertProject inserts a new project and fails with ErrConflict if the
	// slug is already taken by anyone.
	InsertProject(ctx context.Context, project *domain.Project) error
	GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID int64) ([]domain.Project, error)
}

// BuildRepository stores build job history.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	UpdateBuildState(ctx context.Context, update domain.BuildStateUpdate) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	ListBuildsBySlug(ctx context.Context, slug string, limit int) ([]domain.Build, error)
}
