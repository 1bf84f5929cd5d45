package caption

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/core"
	"google.golang.org/genai"
)

// DefaultInstruction asks a multimodal model for a single descriptive sentence.
const DefaultInstruction = "Describe this image in one short sentence. " +
	"Mention the main subject and what it is doing. Reply with the sentence only."

const defaultImageMimeType = "image/jpeg"

// ContentGenerator is the subset of genai.Models used for captioning.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiCaptioner captions images with a Gemini vision model.
type GeminiCaptioner struct {
	models      ContentGenerator
	model       string
	instruction string
	log         *logger.Logger
}

// NewGeminiCaptioner creates a captioner backed by models, usually genai.Client.Models.
func NewGeminiCaptioner(models ContentGenerator, model string, log *logger.Logger) *GeminiCaptioner {
	return &GeminiCaptioner{
		models:      models,
		model:       model,
		instruction: DefaultInstruction,
		log:         log,
	}
}

// Caption sends the image with the captioning instruction and normalizes the reply.
func (c *GeminiCaptioner) Caption(ctx context.Context, image core.Image) (core.Caption, error) {
	if len(image.Data) == 0 {
		return "", core.NewCaptionError(image.Name, ErrImageEmpty)
	}

	mimeType := image.MIMEType
	if mimeType == "" {
		mimeType = defaultImageMimeType
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(c.instruction),
			genai.NewPartFromBytes(image.Data, mimeType),
		}, genai.RoleUser),
	}

	response, err := c.models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", core.NewCaptionError(image.Name, fmt.Errorf("gemini model %s: %w", c.model, err))
	}

	caption, err := Normalize(response.Text())
	if err != nil {
		return "", core.NewCaptionError(image.Name, err)
	}

	c.log.Info(logFmtImageInput, image.Name)
	c.log.Info(logFmtGeneratedText, caption)

	return caption, nil
}
