package model

import (
	"fmt"
	"time"
)

// Derived is a resolved attribute value ready to be committed. The concrete
// type selects the write path in the store.
type Derived interface {
	Attribute() Attribute
}

// EmbeddingValue is a complete feature vector for a track.
type EmbeddingValue struct {
	Vector []float32
}

// Attribute implements Derived.
func (EmbeddingValue) Attribute() Attribute { return AttributeEmbedding }

// PlatformLinksValue holds the links discovered for a track. An empty Links
// slice is still a valid value: it records that resolution was attempted.
type PlatformLinksValue struct {
	Links []PlatformLink
}

// Attribute implements Derived.
func (PlatformLinksValue) Attribute() Attribute { return AttributePlatformLinks }

// ReleaseSource records how a release date was obtained.
type ReleaseSource string

const (
	ReleaseSourceAI        ReleaseSource = "ai"
	ReleaseSourceHeuristic ReleaseSource = "heuristic"
)

// ReleaseDateValue is an estimated release date with its confidence.
type ReleaseDateValue struct {
	Year       int
	Month      int
	Confidence float64
	Source     ReleaseSource
}

// Attribute implements Derived.
func (ReleaseDateValue) Attribute() Attribute { return AttributeReleaseDate }

// Date returns the first day of the estimated month in UTC.
func (v ReleaseDateValue) Date() time.Time {
	return time.Date(v.Year, time.Month(v.Month), 1, 0, 0, 0, 0, time.UTC)
}

// String formats the estimate as YYYY-MM-DD.
func (v ReleaseDateValue) String() string {
	return fmt.Sprintf("%04d-%02d-01", v.Year, v.Month)
}
