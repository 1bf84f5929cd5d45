// Package story composes a dialogue-based story from image captions.
package story

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/core"
)

var (
	// ErrNoCaptions is returned when Compose receives an empty CaptionSet.
	ErrNoCaptions = errors.New("no captions to compose a story from")
	// ErrEmptyStory is returned when the generator produced only whitespace.
	ErrEmptyStory = errors.New("text generation returned an empty story")
)

const (
	logFmtComposing = "Composing story from %d caption(s) with %s"
	logFmtComposed  = "Story composed: %d characters"
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Composer implements core.StoryComposer on top of a Generator.
type Composer struct {
	generator Generator
	log       *logger.Logger
}

// NewComposer creates a Composer.
func NewComposer(generator Generator, log *logger.Logger) *Composer {
	return &Composer{generator: generator, log: log}
}

// Compose builds the prompt, generates the story and normalizes its dialogue.
// Every failure matches core.ErrStory.
func (c *Composer) Compose(ctx context.Context, captions core.CaptionSet) (core.StoryText, error) {
	if len(captions) == 0 {
		return "", fmt.Errorf("%w: %w", core.ErrStory, ErrNoCaptions)
	}

	c.log.Info(logFmtComposing, len(captions), c.generator.Name())

	generated, err := c.generator.Generate(ctx, BuildPrompt(captions))
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrStory, err)
	}

	if strings.TrimSpace(generated) == "" {
		return "", fmt.Errorf("%w: %w", core.ErrStory, ErrEmptyStory)
	}

	story := NormalizeDialogue(generated)
	c.log.Info(logFmtComposed, len(story))

	return core.StoryText(story), nil
}
