// Package rag implements retrieval-augmented generation over the vector
// store: document ingestion through the embedding pipeline, text search,
// and grounded question answering through the completion pipeline.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/vectorstore"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Document is one ingestion unit.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Answer is a grounded completion plus the passages it was grounded on.
type Answer struct {
	Answer  string                `json:"answer"`
	Model   string                `json:"model"`
	Sources []models.SearchResult `json:"sources"`
	Usage   models.TokenUsage     `json:"usage"`
}

// Service ties the vector store to the gateway pipelines.
type Service struct {
	gw              *gateway.Gateway
	store           vectorstore.Store
	embeddingModel  string
	completionModel string
	topK            int
}

// New creates a Service. topK <= 0 defaults to 4.
func New(gw *gateway.Gateway, store vectorstore.Store, embeddingModel, completionModel string, topK int) *Service {
	if topK <= 0 {
		topK = 4
	}
	return &Service{
		gw:              gw,
		store:           store,
		embeddingModel:  embeddingModel,
		completionModel: completionModel,
		topK:            topK,
	}
}

// Index embeds and stores documents in a namespace. Embeddings go through
// the gateway, so they are cached, accounted, and budget-checked like any
// other request.
func (s *Service) Index(ctx context.Context, namespace string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	inputs := make([]string, len(docs))
	for i, d := range docs {
		inputs[i] = d.Content
	}
	resp, err := s.gw.Embed(ctx, &models.EmbeddingRequest{
		ModelID: s.embeddingModel,
		Input:   inputs,
	})
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(resp.Data) != len(docs) {
		return fmt.Errorf("embed documents: got %d embeddings for %d documents", len(resp.Data), len(docs))
	}

	vdocs := make([]models.VectorDoc, len(docs))
	for i, d := range docs {
		vdocs[i] = models.VectorDoc{
			ID:        d.ID,
			Namespace: namespace,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Vector:    resp.Data[i].Embedding,
		}
	}
	if err := s.store.Upsert(ctx, vdocs); err != nil {
		return fmt.Errorf("store documents: %w", err)
	}
	log.Info().Str("namespace", namespace).Int("documents", len(docs)).Msg("Documents indexed")
	return nil
}

// SearchByText embeds the query and returns the nearest documents.
func (s *Service) SearchByText(ctx context.Context, namespace, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = s.topK
	}
	resp, err := s.gw.Embed(ctx, &models.EmbeddingRequest{
		ModelID: s.embeddingModel,
		Input:   []string{query},
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed query: empty response")
	}
	return s.store.Search(ctx, namespace, resp.Data[0].Embedding, limit)
}

// Ask answers a question grounded on the namespace's documents.
func (s *Service) Ask(ctx context.Context, namespace, question, userID string) (*Answer, error) {
	sources, err := s.SearchByText(ctx, namespace, question, s.topK)
	if err != nil {
		return nil, err
	}

	resp, err := s.gw.Complete(ctx, &models.CompletionRequest{
		ModelID: s.completionModel,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Answer using only the provided context. If the context does not contain the answer, say so."},
			{Role: models.RoleUser, Content: buildPrompt(question, sources)},
		},
		User: userID,
	})
	if err != nil {
		return nil, err
	}

	answer := ""
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		answer = resp.Choices[0].Message.Content
	}
	return &Answer{
		Answer:  answer,
		Model:   resp.Model,
		Sources: sources,
		Usage:   resp.Usage,
	}, nil
}

func buildPrompt(question string, sources []models.SearchResult) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, src.Doc.Content)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}
