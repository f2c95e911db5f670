package enrich

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/internal/resilience"
	"github.com/sells-group/track-enricher/pkg/songlink"
)

// PlatformStrategy discovers a track's links on other platforms from its one
// known link.
type PlatformStrategy struct {
	client songlink.Client
}

// NewPlatformStrategy creates a PlatformStrategy.
func NewPlatformStrategy(client songlink.Client) *PlatformStrategy {
	return &PlatformStrategy{client: client}
}

// Kind implements Strategy.
func (s *PlatformStrategy) Kind() model.TaskKind { return model.KindPlatforms }

// Attribute implements Strategy.
func (s *PlatformStrategy) Attribute() model.Attribute { return model.AttributePlatformLinks }

// Resolve implements Strategy. Tracks the resolver does not know yield an
// empty value so the attempt is still recorded.
func (s *PlatformStrategy) Resolve(ctx context.Context, batch []model.TrackRef) BatchResult {
	out := BatchResult{Results: make([]Result, 0, len(batch))}
	for _, ref := range batch {
		res := Result{TrackID: ref.ID}
		if ref.Primary == nil {
			res.Err = eris.Errorf("platforms: track %d has no known link", ref.ID)
			out.Results = append(out.Results, res)
			continue
		}

		if resilience.AttemptsExhausted(ctx) {
			res.Err = eris.Wrapf(resilience.ErrAttemptBudget, "platforms: track %d deferred", ref.ID)
			out.Results = append(out.Results, res)
			continue
		}

		out.Calls++
		resp, err := s.client.Links(ctx, string(ref.Primary.Platform), ref.Primary.PlatformID)
		switch {
		case errors.Is(err, songlink.ErrNotFound):
			zap.L().Debug("platforms: resolver has no entity",
				zap.Int64("track_id", ref.ID),
				zap.String("platform", string(ref.Primary.Platform)),
			)
			res.Value = model.PlatformLinksValue{}
		case err != nil:
			res.Err = eris.Wrapf(err, "platforms: resolve track %d", ref.ID)
		default:
			res.Value = model.PlatformLinksValue{Links: linksFrom(ref, resp)}
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// linksFrom converts a resolver response into links for every platform other
// than the one already known. Output is sorted by platform.
func linksFrom(ref model.TrackRef, resp *songlink.LinksResponse) []model.PlatformLink {
	var links []model.PlatformLink
	for key, l := range resp.Links {
		p := model.Platform(key)
		if p == ref.Primary.Platform {
			continue
		}
		id, ok := ExtractPlatformID(p, l.URL)
		if !ok || id == "" {
			id = l.NativeID
		}
		if id == "" {
			zap.L().Debug("platforms: no id for platform",
				zap.Int64("track_id", ref.ID),
				zap.String("platform", key),
				zap.String("url", l.URL),
			)
			continue
		}
		links = append(links, model.PlatformLink{
			TrackID:     ref.ID,
			Platform:    p,
			PlatformID:  id,
			PlatformURL: l.URL,
		})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Platform < links[j].Platform })
	return links
}
