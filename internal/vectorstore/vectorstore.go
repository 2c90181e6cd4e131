// Package vectorstore provides namespaced similarity search over embedded
// documents, with an in-process implementation and a pgvector-backed one.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// Store is the similarity-search port.
type Store interface {
	// Upsert inserts or replaces documents by ID within their namespace.
	Upsert(ctx context.Context, docs []models.VectorDoc) error

	// Search returns the limit nearest documents in a namespace by cosine
	// similarity, best first.
	Search(ctx context.Context, namespace string, vector []float64, limit int) ([]models.SearchResult, error)

	// Delete removes one document.
	Delete(ctx context.Context, namespace, id string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// ErrDocNotFound reports a missing document.
type ErrDocNotFound struct {
	Namespace string
	ID        string
}

func (e *ErrDocNotFound) Error() string {
	return fmt.Sprintf("document not found: %s/%s", e.Namespace, e.ID)
}
