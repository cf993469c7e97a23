package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerFromContext(w, req)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	builds, err := r.builds.ListBySlug(req.Context(), info.UserID, req.PathValue("slug"), limit)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(builds))
	for _, b := range builds {
		out = append(out, marshalBuild(b))
	}
	writeData(w, http.StatusOK, out)
}

func (r *Router) handleGetBuild(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerFromContext(w, req)
	if !ok {
		return
	}
	b, err := r.builds.Get(req.Context(), info.UserID, req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, marshalBuild(*b))
}

func marshalBuild(b domain.Build) map[string]any {
	var completed any
	if b.CompletedAt != nil {
		completed = b.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":           b.ID,
		"slug":         b.Slug,
		"user_id":      b.OwnerID,
		"state":        string(b.State),
		"worker_id":    b.WorkerID,
		"message":      b.Message,
		"created_at":   b.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   b.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"completed_at": completed,
	}
}
