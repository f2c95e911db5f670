package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/track-enricher/internal/model"
	"github.com/sells-group/track-enricher/pkg/anthropic"
)

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 40, OutputTokens: 12},
	}
}

func TestReleaseDateStrategy_Resolve(t *testing.T) {
	t.Parallel()

	ai := &mockAI{}
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Messages[0].Content == "Title: Good\nArtists: A\n"
	})).Return(textResponse("```json\n{\"year\": 1999, \"month\": 6, \"confidence\": 0.8}\n```"), nil)
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Messages[0].Content == "Title: Garbled\nArtists: B\n"
	})).Return(textResponse("I think around the nineties"), nil)
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Messages[0].Content == "Title: Down\nArtists: C\n"
	})).Return(nil, errors.New("overloaded"))

	s := NewReleaseDateStrategy(ai, "claude-haiku-4-5-20251001", 0)
	s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	batch := []model.TrackRef{
		{ID: 1, Title: "Good", Artists: []string{"A"}},
		{ID: 2, Title: "Garbled", Artists: []string{"B"}},
		{ID: 3, Title: "Down", Artists: []string{"C"}},
	}
	res := s.Resolve(context.Background(), batch)

	assert.Equal(t, 3, res.Calls)
	require.Len(t, res.Results, 3)
	for _, r := range res.Results {
		assert.NoError(t, r.Err)
	}

	assert.Equal(t, model.ReleaseDateValue{Year: 1999, Month: 6, Confidence: 0.8, Source: model.ReleaseSourceAI}, res.Results[0].Value)
	assert.Equal(t, HeuristicReleaseDate(batch[1]), res.Results[1].Value)
	assert.Equal(t, HeuristicReleaseDate(batch[2]), res.Results[2].Value)
	ai.AssertExpectations(t)
}

func TestReleaseDateStrategy_RequestShape(t *testing.T) {
	t.Parallel()

	ai := &mockAI{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"year": 2010, "month": 1, "confidence": 0.5}`), nil).Once()

	s := NewReleaseDateStrategy(ai, "m", 128)
	s.Resolve(context.Background(), []model.TrackRef{{ID: 1, Title: "T", Album: "Alb", Genres: []string{"rock"}}})

	req := ai.Calls[0].Arguments.Get(1).(anthropic.MessageRequest)
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, int64(128), req.MaxTokens)
	require.Len(t, req.System, 1)
	assert.Contains(t, req.System[0].Text, "JSON")
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "Title: T\nAlbum: Alb\nGenres: rock\n", req.Messages[0].Content)
}

func TestReleaseDateStrategy_HeuristicOnly(t *testing.T) {
	t.Parallel()

	s := NewReleaseDateStrategy(nil, "", 0)
	batch := tracks(4)
	res := s.Resolve(context.Background(), batch)

	assert.Zero(t, res.Calls)
	require.Len(t, res.Results, 4)
	for i, r := range res.Results {
		assert.NoError(t, r.Err)
		assert.Equal(t, HeuristicReleaseDate(batch[i]), r.Value)
	}
}

func TestParseReleaseEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		want    model.ReleaseDateValue
		wantErr string
	}{
		{
			name: "plain",
			text: `{"year": 1985, "month": 3, "confidence": 0.9}`,
			want: model.ReleaseDateValue{Year: 1985, Month: 3, Confidence: 0.9, Source: model.ReleaseSourceAI},
		},
		{
			name: "surrounded by prose",
			text: `Sure: {"year": 2001, "month": 12, "confidence": 0} hope that helps`,
			want: model.ReleaseDateValue{Year: 2001, Month: 12, Confidence: 0, Source: model.ReleaseSourceAI},
		},
		{name: "no object", text: "1999", wantErr: "no JSON object"},
		{name: "bad json", text: `{"year": }`, wantErr: "decode estimate"},
		{name: "missing confidence", text: `{"year": 1999, "month": 1}`, wantErr: "missing fields"},
		{name: "year too early", text: `{"year": 1800, "month": 1, "confidence": 0.5}`, wantErr: "year 1800"},
		{name: "year in future", text: `{"year": 2031, "month": 1, "confidence": 0.5}`, wantErr: "year 2031"},
		{name: "month zero", text: `{"year": 1999, "month": 0, "confidence": 0.5}`, wantErr: "month 0"},
		{name: "month thirteen", text: `{"year": 1999, "month": 13, "confidence": 0.5}`, wantErr: "month 13"},
		{name: "confidence above one", text: `{"year": 1999, "month": 1, "confidence": 1.5}`, wantErr: "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseReleaseEstimate(tt.text, 2027)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
