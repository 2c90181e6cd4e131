package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// Pgvector is a Store backed by PostgreSQL with the pgvector extension.
type Pgvector struct {
	pool *pgxpool.Pool
	dims int
}

// NewPgvector connects to databaseURL and prepares the documents table for
// the given embedding dimensionality.
func NewPgvector(ctx context.Context, databaseURL string, dims int) (*Pgvector, error) {
	if dims <= 0 {
		dims = 1536
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect pgvector: %w", err)
	}
	s := &Pgvector{pool: pool, dims: dims}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Int("dims", dims).Msg("Pgvector store ready")
	return s, nil
}

func (s *Pgvector) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, id)
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS documents_namespace_idx ON documents (namespace)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate pgvector: %w", err)
		}
	}
	return nil
}

func toVector(v []float64) pgvector.Vector {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return pgvector.NewVector(out)
}

func fromVector(v pgvector.Vector) []float64 {
	slice := v.Slice()
	out := make([]float64, len(slice))
	for i, x := range slice {
		out[i] = float64(x)
	}
	return out
}

func (s *Pgvector) Upsert(ctx context.Context, docs []models.VectorDoc) error {
	for _, d := range docs {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO documents (namespace, id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (namespace, id) DO UPDATE
				SET content = EXCLUDED.content,
				    metadata = EXCLUDED.metadata,
				    embedding = EXCLUDED.embedding`,
			d.Namespace, d.ID, d.Content, meta, toVector(d.Vector))
		if err != nil {
			return fmt.Errorf("upsert document %s/%s: %w", d.Namespace, d.ID, err)
		}
	}
	return nil
}

func (s *Pgvector) Search(ctx context.Context, namespace string, vector []float64, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, metadata, embedding, created_at,
		       1 - (embedding <=> $1) AS score
		FROM documents
		WHERE namespace = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		toVector(vector), namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var (
			doc models.VectorDoc
			emb pgvector.Vector
			res models.SearchResult
		)
		doc.Namespace = namespace
		if err := rows.Scan(&doc.ID, &doc.Content, &doc.Metadata, &emb, &doc.CreatedAt, &res.Score); err != nil {
			return nil, err
		}
		doc.Vector = fromVector(emb)
		res.Doc = doc
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Pgvector) Delete(ctx context.Context, namespace, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE namespace = $1 AND id = $2`, namespace, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrDocNotFound{Namespace: namespace, ID: id}
	}
	return nil
}

func (s *Pgvector) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}
