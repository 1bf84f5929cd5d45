package story

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// ContentGenerator is the subset of genai.Models used for story generation.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator generates text with a Gemini model.
type GeminiGenerator struct {
	models      ContentGenerator
	model       string
	temperature float64
}

// NewGeminiGenerator creates a generator backed by models, usually genai.Client.Models.
func NewGeminiGenerator(models ContentGenerator, model string, temperature float64) *GeminiGenerator {
	return &GeminiGenerator{models: models, model: model, temperature: temperature}
}

// Name identifies the generator in logs.
func (g *GeminiGenerator) Name() string {
	return "gemini/" + g.model
}

// Generate sends the prompt as a single user turn.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var generateConfig *genai.GenerateContentConfig

	if g.temperature > 0 {
		generateConfig = &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(g.temperature))}
	}

	response, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), generateConfig)
	if err != nil {
		return "", fmt.Errorf("gemini model %s: %w", g.model, err)
	}

	text := response.Text()
	if text == "" {
		return "", ErrMalformedResponse
	}

	return text, nil
}
