package pipeline

import "time"

// Event names published by the passes.
const (
	EventLeafCompleted = "leaf.completed"
	EventImageCached   = "image.cached"
)

// LeafCompleted announces that a leaf reached its done state.
type LeafCompleted struct {
	Leaf     string    `json:"leaf"`
	Kept     int       `json:"kept"`
	Existing int       `json:"existing"`
	Target   int       `json:"target"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// EventName implements pubsub.Event.
func (LeafCompleted) EventName() string { return EventLeafCompleted }

// ImageCached announces a listing image rewritten to the cache.
type ImageCached struct {
	ListingID string    `json:"listing_id"`
	Platform  string    `json:"platform"`
	SourceURL string    `json:"source_url"`
	PublicURL string    `json:"public_url"`
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	At        time.Time `json:"at"`
}

// EventName implements pubsub.Event.
func (ImageCached) EventName() string { return EventImageCached }
