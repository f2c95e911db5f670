// Package model defines the tracks, derived attributes, and enrichment tasks
// shared by the store, the strategies, and the control surface.
package model

import "time"

// Attribute names a derived track field filled in by the enrichment pipeline.
type Attribute string

const (
	AttributeEmbedding     Attribute = "embedding"
	AttributePlatformLinks Attribute = "platform_links"
	AttributeReleaseDate   Attribute = "release_date"
)

// Valid reports whether a is one of the known attributes.
func (a Attribute) Valid() bool {
	switch a {
	case AttributeEmbedding, AttributePlatformLinks, AttributeReleaseDate:
		return true
	}
	return false
}

// Track is a music track as held by the record store. Derived fields are
// either absent (nil) or fully populated.
type Track struct {
	ID            int64          `json:"id"`
	Title         string         `json:"title"`
	Artists       []string       `json:"artists"`
	Album         string         `json:"album,omitempty"`
	Genres        []string       `json:"genres,omitempty"`
	Popularity    int            `json:"popularity"`
	Embedding     []float32      `json:"embedding,omitempty"`
	PlatformLinks []PlatformLink `json:"platform_links,omitempty"`
	ReleaseDate   *time.Time     `json:"release_date,omitempty"`
}

// TrackRef is the scan payload handed to a strategy: identity plus the
// metadata a strategy needs to build its external request.
type TrackRef struct {
	ID         int64
	Title      string
	Artists    []string
	Album      string
	Genres     []string
	Popularity int

	// Primary is the single known platform link. Only set for
	// platform-link scans.
	Primary *PlatformLink
}

// PlatformLink identifies a track on one streaming platform. A track holds
// at most one link per platform.
type PlatformLink struct {
	TrackID     int64    `json:"track_id"`
	Platform    Platform `json:"platform"`
	PlatformID  string   `json:"platform_id"`
	PlatformURL string   `json:"platform_url"`
}
