package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/resilience"
	"github.com/sells-group/track-enricher/pkg/anthropic"
)

const releaseDateSystemPrompt = `You estimate the original release date of music tracks.
Reply with only a JSON object of the form {"year": 1999, "month": 6, "confidence": 0.7}.
"month" is 1-12. "confidence" is between 0 and 1. Do not add any other text.`

// ReleaseDateStrategy asks a language model for each track's release date and
// falls back to a genre heuristic when the model fails or answers badly.
type ReleaseDateStrategy struct {
	ai        anthropic.Client
	model     string
	maxTokens int64
	now       func() time.Time
}

// NewReleaseDateStrategy creates a ReleaseDateStrategy. A nil client runs the
// heuristic only.
func NewReleaseDateStrategy(ai anthropic.Client, model string, maxTokens int64) *ReleaseDateStrategy {
	if maxTokens <= 0 {
		maxTokens = 64
	}
	return &ReleaseDateStrategy{ai: ai, model: model, maxTokens: maxTokens, now: time.Now}
}

// Kind implements Strategy.
func (s *ReleaseDateStrategy) Kind() model.TaskKind { return model.KindReleaseDate }

// Attribute implements Strategy.
func (s *ReleaseDateStrategy) Attribute() model.Attribute { return model.AttributeReleaseDate }

// Resolve implements Strategy. Every record receives a value unless the
// batch attempt budget runs out, in which case the rest are deferred.
func (s *ReleaseDateStrategy) Resolve(ctx context.Context, batch []model.TrackRef) BatchResult {
	out := BatchResult{Results: make([]Result, 0, len(batch))}
	for _, ref := range batch {
		if s.ai == nil {
			out.Results = append(out.Results, Result{TrackID: ref.ID, Value: HeuristicReleaseDate(ref)})
			continue
		}

		if resilience.AttemptsExhausted(ctx) {
			out.Results = append(out.Results, Result{TrackID: ref.ID, Err: eris.Wrapf(resilience.ErrAttemptBudget, "release date: track %d deferred", ref.ID)})
			continue
		}

		out.Calls++
		v, err := s.estimate(ctx, ref)
		if errors.Is(err, resilience.ErrAttemptBudget) {
			out.Results = append(out.Results, Result{TrackID: ref.ID, Err: eris.Wrapf(err, "release date: track %d deferred", ref.ID)})
			continue
		}
		if err != nil {
			zap.L().Debug("release date: model estimate unusable, using heuristic",
				zap.Int64("track_id", ref.ID),
				zap.Error(err),
			)
			v = HeuristicReleaseDate(ref)
		}
		out.Results = append(out.Results, Result{TrackID: ref.ID, Value: v})
	}
	return out
}

func (s *ReleaseDateStrategy) estimate(ctx context.Context, ref model.TrackRef) (model.ReleaseDateValue, error) {
	resp, err := s.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    []anthropic.SystemBlock{{Text: releaseDateSystemPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Content: releaseDatePrompt(ref)}},
	})
	if err != nil {
		return model.ReleaseDateValue{}, err
	}
	resp.Usage.LogCost(s.model, "release_date")
	return parseReleaseEstimate(resp.Text(), s.now().Year()+1)
}

func releaseDatePrompt(ref model.TrackRef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", ref.Title)
	if len(ref.Artists) > 0 {
		fmt.Fprintf(&sb, "Artists: %s\n", strings.Join(ref.Artists, ", "))
	}
	if ref.Album != "" {
		fmt.Fprintf(&sb, "Album: %s\n", ref.Album)
	}
	if len(ref.Genres) > 0 {
		fmt.Fprintf(&sb, "Genres: %s\n", strings.Join(ref.Genres, ", "))
	}
	return sb.String()
}

type releaseEstimate struct {
	Year       *int     `json:"year"`
	Month      *int     `json:"month"`
	Confidence *float64 `json:"confidence"`
}

// parseReleaseEstimate extracts and validates the model's JSON answer. Text
// around the object, such as a code fence, is ignored.
func parseReleaseEstimate(text string, maxYear int) (model.ReleaseDateValue, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return model.ReleaseDateValue{}, eris.Errorf("release date: no JSON object in %q", text)
	}

	var est releaseEstimate
	if err := json.Unmarshal([]byte(text[start:end+1]), &est); err != nil {
		return model.ReleaseDateValue{}, eris.Wrap(err, "release date: decode estimate")
	}
	if est.Year == nil || est.Month == nil || est.Confidence == nil {
		return model.ReleaseDateValue{}, eris.New("release date: estimate missing fields")
	}
	if *est.Year < 1900 || *est.Year > maxYear {
		return model.ReleaseDateValue{}, eris.Errorf("release date: year %d out of range", *est.Year)
	}
	if *est.Month < 1 || *est.Month > 12 {
		return model.ReleaseDateValue{}, eris.Errorf("release date: month %d out of range", *est.Month)
	}
	if *est.Confidence < 0 || *est.Confidence > 1 {
		return model.ReleaseDateValue{}, eris.Errorf("release date: confidence %v out of range", *est.Confidence)
	}

	return model.ReleaseDateValue{
		Year:       *est.Year,
		Month:      *est.Month,
		Confidence: *est.Confidence,
		Source:     model.ReleaseSourceAI,
	}, nil
}
