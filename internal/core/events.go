package core

import "github.com/book-expert/events"

// StoryRequestedEvent asks the service to narrate the images stored under ImageKeys.
type StoryRequestedEvent struct {
	Header    events.EventHeader `json:"header"`
	ImageKeys []string           `json:"image_keys"`
}

// FailedImage describes an image that could not be captioned.
type FailedImage struct {
	Index  int    `json:"index"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// StoryNarratedEvent is the reply to a StoryRequestedEvent.
// FailedStage and Error are set when the run failed; the other fields carry
// whatever the run produced before that point.
type StoryNarratedEvent struct {
	Header   events.EventHeader `json:"header"`
	RunID    string             `json:"run_id"`
	Captions []string           `json:"captions"`
	// CaptionIndexes holds the position in the request's ImageKeys of each caption.
	CaptionIndexes []int         `json:"caption_indexes,omitempty"`
	FailedImages   []FailedImage `json:"failed_images,omitempty"`
	Story          string        `json:"story,omitempty"`
	AudioKey       string        `json:"audio_key,omitempty"`
	ContentType    string        `json:"content_type,omitempty"`
	Provenance     Provenance    `json:"provenance,omitempty"`
	FailedStage    string        `json:"failed_stage,omitempty"`
	Error          string        `json:"error,omitempty"`
}
