package project

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/knowledgebeast/knowledgebeast/internal/errors"
)

// Store is the sqlx-backed metadata store for projects, API keys,
// documents, and chunk records.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open metadata database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateProject inserts a new active project. Names are unique;
// collisions surface Conflict.
func (s *Store) CreateProject(ctx context.Context, name, description, embeddingModelID string, metadata map[string]string) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.InvalidArgument("project name is required")
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal project metadata", err)
	}

	now := time.Now().UTC()
	p := &Project{
		ID:               uuid.NewString(),
		Name:             name,
		Description:      description,
		EmbeddingModelID: embeddingModelID,
		CreatedAt:        now,
		UpdatedAt:        now,
		MetadataJSON:     string(metaJSON),
		State:            StateActive,
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO projects (id, name, description, embedding_model_id, created_at, updated_at, metadata_json, state)
		VALUES (:id, :name, :description, :embedding_model_id, :created_at, :updated_at, :metadata_json, :state)`, p)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, errors.Conflict("project name already exists").WithDetail("name", name)
		}
		return nil, errors.Wrap(errors.KindInternal, "insert project", err)
	}
	return p, nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("project not found").WithDetail("project_id", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "get project", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	err := s.db.SelectContext(ctx, &projects, `SELECT * FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list projects", err)
	}
	return projects, nil
}

// UpdateProject rewrites a project's mutable fields. Nil metadata keeps
// the stored metadata untouched.
func (s *Store) UpdateProject(ctx context.Context, id, description string, metadata map[string]string) (*Project, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Description = description
	if metadata != nil {
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, "marshal project metadata", err)
		}
		p.MetadataJSON = string(metaJSON)
	}
	p.UpdatedAt = time.Now().UTC()

	_, err = s.db.NamedExecContext(ctx, `
		UPDATE projects SET description = :description, metadata_json = :metadata_json, updated_at = :updated_at
		WHERE id = :id`, p)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "update project", err)
	}
	return p, nil
}

// SetProjectState transitions a project's lifecycle state.
func (s *Store) SetProjectState(ctx context.Context, id string, state State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "update project state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("project not found").WithDetail("project_id", id)
	}
	return nil
}

// DeleteProjectRecord removes the project row. Callers must have
// purged all children first.
func (s *Store) DeleteProjectRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.KindInternal, "delete project record", err)
	}
	return nil
}

// CreateAPIKey mints a key for a project. The raw key is returned once
// and never stored.
func (s *Store) CreateAPIKey(ctx context.Context, projectID string, scopes []Scope, expiresAt *time.Time) (string, *APIKey, error) {
	if len(scopes) == 0 {
		return "", nil, errors.InvalidArgument("at least one scope is required")
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return "", nil, err
	}

	raw, keyID, hash, err := generateAPIKey()
	if err != nil {
		return "", nil, errors.Wrap(errors.KindInternal, "generate api key", err)
	}

	key := &APIKey{
		KeyID:     keyID,
		ProjectID: projectID,
		Hash:      hash,
		Scopes:    joinScopes(scopes),
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (key_id, project_id, hash, scopes, expires_at, last_used_at, revoked, created_at)
		VALUES (:key_id, :project_id, :hash, :scopes, :expires_at, :last_used_at, :revoked, :created_at)`, key)
	if err != nil {
		return "", nil, errors.Wrap(errors.KindInternal, "insert api key", err)
	}
	return raw, key, nil
}

// AuthenticateKey verifies a raw API key and returns its record.
// Malformed, unknown, revoked, and expired keys all fail with the same
// Unauthenticated kind so callers cannot probe key existence.
func (s *Store) AuthenticateKey(ctx context.Context, raw string) (*APIKey, error) {
	unauthenticated := errors.New(errors.KindUnauthenticated, "invalid api key")

	keyID, secret, ok := parseAPIKey(raw)
	if !ok {
		return nil, unauthenticated
	}

	var key APIKey
	err := s.db.GetContext(ctx, &key, `SELECT * FROM api_keys WHERE key_id = ?`, keyID)
	if err == sql.ErrNoRows {
		return nil, unauthenticated
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "get api key", err)
	}

	if key.Revoked {
		return nil, unauthenticated
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, unauthenticated
	}
	if !verifySecret(key.Hash, secret) {
		return nil, unauthenticated
	}

	// Best effort; auth does not fail on bookkeeping.
	now := time.Now().UTC()
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`, now, keyID)
	key.LastUsedAt = &now
	return &key, nil
}

// RevokeAPIKey marks a key revoked. Revoking an absent key is NotFound.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "revoke api key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("api key not found").WithDetail("key_id", keyID)
	}
	return nil
}

// ListAPIKeys returns a project's keys, hashes included for internal
// use only; callers strip them before serialization.
func (s *Store) ListAPIKeys(ctx context.Context, projectID string) ([]*APIKey, error) {
	var keys []*APIKey
	err := s.db.SelectContext(ctx, &keys, `SELECT * FROM api_keys WHERE project_id = ? ORDER BY created_at, key_id`, projectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list api keys", err)
	}
	return keys, nil
}

// DeleteAPIKeysForProject removes all keys of a project.
func (s *Store) DeleteAPIKeysForProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE project_id = ?`, projectID); err != nil {
		return errors.Wrap(errors.KindInternal, "delete api keys", err)
	}
	return nil
}

// InsertDocument records an ingested document.
func (s *Store) InsertDocument(ctx context.Context, doc *Document) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO documents (doc_id, project_id, name, size_bytes, chunk_count, created_at)
		VALUES (:doc_id, :project_id, :name, :size_bytes, :chunk_count, :created_at)`, doc)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "insert document", err)
	}
	return nil
}

// GetDocument fetches a document record.
func (s *Store) GetDocument(ctx context.Context, projectID, docID string) (*Document, error) {
	var doc Document
	err := s.db.GetContext(ctx, &doc, `SELECT * FROM documents WHERE project_id = ? AND doc_id = ?`, projectID, docID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("document not found").WithDetail("doc_id", docID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "get document", err)
	}
	return &doc, nil
}

// DeleteDocument removes a document record.
func (s *Store) DeleteDocument(ctx context.Context, projectID, docID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE project_id = ? AND doc_id = ?`, projectID, docID); err != nil {
		return errors.Wrap(errors.KindInternal, "delete document", err)
	}
	return nil
}

// ListDocuments returns a project's documents.
func (s *Store) ListDocuments(ctx context.Context, projectID string) ([]*Document, error) {
	var docs []*Document
	err := s.db.SelectContext(ctx, &docs, `SELECT * FROM documents WHERE project_id = ? ORDER BY created_at, doc_id`, projectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list documents", err)
	}
	return docs, nil
}

// DeleteDocumentsForProject removes all document records of a project.
func (s *Store) DeleteDocumentsForProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE project_id = ?`, projectID); err != nil {
		return errors.Wrap(errors.KindInternal, "delete documents", err)
	}
	return nil
}

// Usage reports a project's quota-relevant totals.
func (s *Store) Usage(ctx context.Context, projectID string) (docCount int, totalBytes int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM documents WHERE project_id = ?`, projectID)
	if err := row.Scan(&docCount, &totalBytes); err != nil {
		return 0, 0, errors.Wrap(errors.KindInternal, "project usage", err)
	}
	return docCount, totalBytes, nil
}

// chunkRow is the chunks table shape.
type chunkRow struct {
	ChunkID      string `db:"chunk_id"`
	ProjectID    string `db:"project_id"`
	DocID        string `db:"doc_id"`
	Ordinal      int    `db:"ordinal"`
	Text         string `db:"text"`
	TokenCount   int    `db:"token_count"`
	Vector       []byte `db:"vector"`
	MetadataJSON string `db:"metadata_json"`
}

// ChunkRecord is a stored chunk with its vector decoded.
type ChunkRecord struct {
	ChunkID    string
	DocID      string
	Ordinal    int
	Text       string
	TokenCount int
	Vector     []float32
	Metadata   map[string]string
}

// SaveChunks upserts chunk records in one transaction.
func (s *Store) SaveChunks(ctx context.Context, projectID string, recs []ChunkRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "begin chunk transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "marshal chunk metadata", err)
		}
		row := chunkRow{
			ChunkID:      rec.ChunkID,
			ProjectID:    projectID,
			DocID:        rec.DocID,
			Ordinal:      rec.Ordinal,
			Text:         rec.Text,
			TokenCount:   rec.TokenCount,
			Vector:       encodeVector(rec.Vector),
			MetadataJSON: string(metaJSON),
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO chunks (chunk_id, project_id, doc_id, ordinal, text, token_count, vector, metadata_json)
			VALUES (:chunk_id, :project_id, :doc_id, :ordinal, :text, :token_count, :vector, :metadata_json)
			ON CONFLICT(chunk_id) DO UPDATE SET
				text = excluded.text,
				token_count = excluded.token_count,
				vector = excluded.vector,
				metadata_json = excluded.metadata_json`, row)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "insert chunk", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindInternal, "commit chunk transaction", err)
	}
	return nil
}

// GetChunksByIDs loads chunk records scoped to one project. Absent IDs
// are silently skipped.
func (s *Store) GetChunksByIDs(ctx context.Context, projectID string, chunkIDs []string) ([]ChunkRecord, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM chunks WHERE project_id = ? AND chunk_id IN (?)`, projectID, chunkIDs)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build chunk query", err)
	}
	var rows []chunkRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "select chunks", err)
	}
	return chunkRecords(rows)
}

// ListChunksForProject loads every chunk row of a project, ordered by
// chunk_id. The keyword index is in-memory only, so handles rebuild it
// from this scan after a restart.
func (s *Store) ListChunksForProject(ctx context.Context, projectID string) ([]ChunkRecord, error) {
	var rows []chunkRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM chunks WHERE project_id = ? ORDER BY chunk_id`, projectID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list project chunks", err)
	}
	return chunkRecords(rows)
}

func chunkRecords(rows []chunkRow) ([]ChunkRecord, error) {
	recs := make([]ChunkRecord, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]string
		if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "unmarshal chunk metadata", err)
		}
		recs = append(recs, ChunkRecord{
			ChunkID:    row.ChunkID,
			DocID:      row.DocID,
			Ordinal:    row.Ordinal,
			Text:       row.Text,
			TokenCount: row.TokenCount,
			Vector:     decodeVector(row.Vector),
			Metadata:   metadata,
		})
	}
	return recs, nil
}

// DeleteChunksByDoc removes all chunk rows of a document.
func (s *Store) DeleteChunksByDoc(ctx context.Context, projectID, docID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE project_id = ? AND doc_id = ?`, projectID, docID)
	if err != nil {
		return 0, errors.Wrap(errors.KindInternal, "delete chunks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteChunksForProject removes all chunk rows of a project.
func (s *Store) DeleteChunksForProject(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE project_id = ?`, projectID); err != nil {
		return errors.Wrap(errors.KindInternal, "delete project chunks", err)
	}
	return nil
}

// CountChunks returns the number of chunk rows in a project.
func (s *Store) CountChunks(ctx context.Context, projectID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID); err != nil {
		return 0, errors.Wrap(errors.KindInternal, "count chunks", err)
	}
	return n, nil
}

// Ping verifies the persistent store is reachable, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("metadata database unreachable: %w", err)
	}
	return nil
}

// encodeVector packs float32s little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB back into float32s.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
