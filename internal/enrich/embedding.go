package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/pkg/jina"
)

// EmbeddingStrategy computes a feature vector per track from its metadata.
// The whole batch is embedded with one API request.
type EmbeddingStrategy struct {
	embedder   jina.Embedder
	dimensions int
}

// NewEmbeddingStrategy creates an EmbeddingStrategy. Vectors whose length
// differs from dimensions are rejected; zero accepts any non-empty vector.
func NewEmbeddingStrategy(embedder jina.Embedder, dimensions int) *EmbeddingStrategy {
	return &EmbeddingStrategy{embedder: embedder, dimensions: dimensions}
}

// Kind implements Strategy.
func (s *EmbeddingStrategy) Kind() model.TaskKind { return model.KindEmbedding }

// Attribute implements Strategy.
func (s *EmbeddingStrategy) Attribute() model.Attribute { return model.AttributeEmbedding }

// Resolve implements Strategy.
func (s *EmbeddingStrategy) Resolve(ctx context.Context, batch []model.TrackRef) BatchResult {
	texts := make([]string, len(batch))
	for i, ref := range batch {
		texts[i] = EmbeddingText(ref)
	}

	resp, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return BatchResult{Results: failAll(batch, eris.Wrap(err, "embedding: embed batch")), Calls: 1}
	}

	results := make([]Result, len(batch))
	for i, ref := range batch {
		results[i] = Result{TrackID: ref.ID}
		if i >= len(resp.Vectors) {
			results[i].Err = eris.Errorf("embedding: no vector for track %d", ref.ID)
			continue
		}
		vec := resp.Vectors[i]
		switch {
		case len(vec) == 0:
			results[i].Err = eris.Errorf("embedding: empty vector for track %d", ref.ID)
		case s.dimensions > 0 && len(vec) != s.dimensions:
			results[i].Err = eris.Errorf("embedding: track %d got %d dimensions, want %d", ref.ID, len(vec), s.dimensions)
		default:
			results[i].Value = model.EmbeddingValue{Vector: vec}
		}
	}
	return BatchResult{Results: results, Calls: 1}
}

// EmbeddingText renders the metadata a vector is computed from.
func EmbeddingText(ref model.TrackRef) string {
	var sb strings.Builder
	sb.WriteString(ref.Title)
	if len(ref.Artists) > 0 {
		sb.WriteString(" by ")
		sb.WriteString(strings.Join(ref.Artists, ", "))
	}
	if ref.Album != "" {
		sb.WriteString(". Album: ")
		sb.WriteString(ref.Album)
	}
	if len(ref.Genres) > 0 {
		sb.WriteString(". Genres: ")
		sb.WriteString(strings.Join(ref.Genres, ", "))
	}
	return sb.String()
}
