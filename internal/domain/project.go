package domain

import "time"

// Project describes a deployable unit addressed by its slug.
type Project struct {
	ID        int64
	OwnerID   int64
	Slug      string
	IsPublic  bool
	SourceURL string
	// EnvConfig is the serialized key/value bag handed to build workers.
	// Nil when the owner supplied none.
	EnvConfig []byte
	CreatedAt time.Time
}

// OwnedBy reports whether the principal owns the project.
func (p Project) OwnedBy(userID int64) bool {
	return p.OwnerID == userID
}

// VisibleTo reports whether the principal may read the project.
func (p Project) VisibleTo(userID int64) bool {
	return p.IsPublic || p.OwnedBy(userID)
}
