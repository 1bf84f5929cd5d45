// Package core defines the domain types and stage interfaces of the story narrator.
package core

import (
	"context"

	"github.com/book-expert/story-narrator/internal/audio"
)

// Image is one submitted picture, in submission order within a run.
type Image struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Caption is the normalized description of a single image.
type Caption string

// CaptionSet holds captions ordered by the index of the image they describe.
type CaptionSet []Caption

// StoryText is the dialogue-formatted narrative produced from a CaptionSet.
type StoryText string

// Provenance tells consumers which speech path produced an artifact.
type Provenance string

const (
	// ProvenancePrimary marks audio returned by the primary remote speech service.
	ProvenancePrimary Provenance = "primary"
	// ProvenanceFallback marks audio produced by the local fallback engine.
	ProvenanceFallback Provenance = "fallback"
)

// AudioArtifact is the single audio output of a pipeline run.
type AudioArtifact struct {
	Path        string
	Format      audio.Format
	ContentType string
	Provenance  Provenance
	Size        int64
}

// Captioner turns one image into one caption.
type Captioner interface {
	Caption(ctx context.Context, image Image) (Caption, error)
}

// StoryComposer turns an ordered set of captions into a story.
type StoryComposer interface {
	Compose(ctx context.Context, captions CaptionSet) (StoryText, error)
}

// SpeechSynthesizer renders a story to audio inside the run's workspace.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text StoryText, workspace *audio.Workspace) (*AudioArtifact, error)
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// ContentType returns the content type recorded at upload, or "" if none was.
	ContentType(ctx context.Context, key string) (string, error)
}
