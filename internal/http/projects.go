package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/project"
)

// buildRequest accepts both the camelCase and snake_case field spellings
// clients have used.
type buildRequest struct {
	SourceURL   string          `json:"sourceUrl"`
	GitURL      string          `json:"git_url"`
	IsPublic    *bool           `json:"isPublic"`
	IsPublicAlt *bool           `json:"is_public"`
	Slug        string          `json:"slug"`
	EnvVars     json.RawMessage `json:"envVars"`
	EnvVarsAlt  json.RawMessage `json:"env_vars"`
}

func (b buildRequest) input(ownerID int64) build.DispatchInput {
	source := b.SourceURL
	if strings.TrimSpace(source) == "" {
		source = b.GitURL
	}
	public := false
	switch {
	case b.IsPublic != nil:
		public = *b.IsPublic
	case b.IsPublicAlt != nil:
		public = *b.IsPublicAlt
	}
	env := b.EnvVars
	if len(env) == 0 {
		env = b.EnvVarsAlt
	}
	return build.DispatchInput{
		OwnerID:   ownerID,
		Slug:      b.Slug,
		IsPublic:  public,
		SourceURL: source,
		EnvVars:   env,
	}
}

func (r *Router) handleBuildProject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerFromContext(w, req)
	if !ok {
		return
	}
	var payload buildRequest
	if err := decodeJSON(w, req, &payload); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.builds.Dispatch(req.Context(), payload.input(info.UserID))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": result.Status,
		"data": map[string]any{
			"slug":     result.Slug,
			"build_id": result.BuildID,
		},
	})
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerFromContext(w, req)
	if !ok {
		return
	}
	projects, err := r.projects.ListForOwner(req.Context(), info.UserID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, marshalProjects(projects, info.UserID))
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerFromContext(w, req)
	if !ok {
		return
	}
	p, err := r.projects.GetBySlug(req.Context(), info.UserID, req.PathValue("slug"))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, marshalProject(*p, info.UserID))
}

func (r *Router) handleCheckSlug(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerFromContext(w, req)
	if !ok {
		return
	}
	slug := strings.TrimSpace(req.URL.Query().Get("slug"))
	if slug == "" {
		writeError(w, http.StatusBadRequest, "Slug parameter is required")
		return
	}
	available, err := r.projects.CheckSlugAvailable(req.Context(), info.UserID, slug)
	if err != nil {
		if errors.Is(err, project.ErrInvalidSlugFormat) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"available": false,
				"slug":      slug,
				"error":     err.Error(),
			})
			return
		}
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available, "slug": slug})
}

func marshalProjects(projects []domain.Project, callerID int64) []map[string]any {
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, marshalProject(p, callerID))
	}
	return out
}

// marshalProject renders a project. Env vars are only shown to the owner.
func marshalProject(p domain.Project, callerID int64) map[string]any {
	var env any
	if p.OwnedBy(callerID) && len(p.EnvConfig) > 0 {
		env = json.RawMessage(p.EnvConfig)
	}
	return map[string]any{
		"id":         p.ID,
		"user_id":    p.OwnerID,
		"slug":       p.Slug,
		"is_public":  p.IsPublic,
		"git_url":    p.SourceURL,
		"env_vars":   env,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
