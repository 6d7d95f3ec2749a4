// Package project implements multi-tenant project management: the
// persistent project and API-key records, per-project runtime handles
// (keyword index, caches, limiters), quota enforcement, and the
// teardown discipline that keeps deletes from orphaning data.
package project

import (
	"time"
)

// State is the lifecycle state of a project.
type State string

const (
	// StateActive is the normal serving state.
	StateActive State = "active"

	// StateDeleting marks a project whose teardown partially failed.
	// Retried deletes resume from this state.
	StateDeleting State = "deleting"
)

// Scope is an API-key permission.
type Scope string

const (
	ScopeRead  Scope = "read"  // query operations
	ScopeWrite Scope = "write" // ingest and document deletes
	ScopeAdmin Scope = "admin" // project and key management
)

// Project is the persistent project record.
type Project struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Description      string    `db:"description" json:"description"`
	EmbeddingModelID string    `db:"embedding_model_id" json:"embedding_model_id"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
	MetadataJSON     string    `db:"metadata_json" json:"-"`
	State            State     `db:"state" json:"state"`
}

// APIKey is the persistent key record. Only the bcrypt hash of the
// secret is stored.
type APIKey struct {
	KeyID      string     `db:"key_id" json:"key_id"`
	ProjectID  string     `db:"project_id" json:"project_id"`
	Hash       string     `db:"hash" json:"-"`
	Scopes     string     `db:"scopes" json:"scopes"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	Revoked    bool       `db:"revoked" json:"revoked"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// HasScope reports whether the key grants the scope. Admin implies all.
func (k *APIKey) HasScope(scope Scope) bool {
	for _, s := range splitScopes(k.Scopes) {
		if s == ScopeAdmin || s == scope {
			return true
		}
	}
	return false
}

// Document is the persistent document record.
type Document struct {
	DocID      string    `db:"doc_id" json:"doc_id"`
	ProjectID  string    `db:"project_id" json:"project_id"`
	Name       string    `db:"name" json:"name"`
	SizeBytes  int64     `db:"size_bytes" json:"size_bytes"`
	ChunkCount int       `db:"chunk_count" json:"chunk_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Quotas bounds a project's resource use. Zero values mean unlimited.
type Quotas struct {
	// MaxDocuments caps the number of documents per project.
	MaxDocuments int

	// MaxBytes caps the total ingested bytes per project.
	MaxBytes int64

	// QueriesPerSecond is the sustained per-project query rate.
	QueriesPerSecond float64

	// QueryBurst is the rate limiter burst size.
	QueryBurst int

	// MaxInflight caps concurrent queries per project.
	MaxInflight int
}
