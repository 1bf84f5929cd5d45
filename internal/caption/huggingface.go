package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/core"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeOctet    = "application/octet-stream"
	maxErrorBodyBytes   = 512
)

// Error messages.
const (
	errFmtServiceNonOKStatus = "captioning service returned non-OK status: %s, body: %s"
	logFmtImageInput         = "IMAGE INPUT: %s"
	logFmtGeneratedText      = "GENERATED TEXT OUTPUT: %s"
)

// ErrImageEmpty is returned for images without data.
var ErrImageEmpty = errors.New("image data cannot be empty")

// inferenceResult is one element of the image-to-text inference response.
type inferenceResult struct {
	GeneratedText string `json:"generated_text"`
}

// HuggingFaceCaptioner captions images through a hosted image-to-text
// inference endpoint.
type HuggingFaceCaptioner struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	log        *logger.Logger
}

// NewHuggingFaceCaptioner creates a captioner for the endpoint at apiURL.
func NewHuggingFaceCaptioner(apiURL, apiKey string, timeout time.Duration, log *logger.Logger) *HuggingFaceCaptioner {
	return &HuggingFaceCaptioner{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     apiURL,
		apiKey:     apiKey,
		log:        log,
	}
}

// Caption sends the raw image bytes and normalizes the first generated text.
func (c *HuggingFaceCaptioner) Caption(ctx context.Context, image core.Image) (core.Caption, error) {
	if len(image.Data) == 0 {
		return "", core.NewCaptionError(image.Name, ErrImageEmpty)
	}

	raw, err := c.requestCaption(ctx, image)
	if err != nil {
		return "", core.NewCaptionError(image.Name, err)
	}

	caption, err := Normalize(raw)
	if err != nil {
		return "", core.NewCaptionError(image.Name, err)
	}

	c.log.Info(logFmtImageInput, image.Name)
	c.log.Info(logFmtGeneratedText, caption)

	return caption, nil
}

func (c *HuggingFaceCaptioner) requestCaption(ctx context.Context, image core.Image) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(image.Data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	contentType := image.MIMEType
	if contentType == "" {
		contentType = contentTypeOctet
	}

	request.Header.Set(headerContentType, contentType)

	if c.apiKey != "" {
		request.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("failed to send request to captioning service: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))

		return "", fmt.Errorf(errFmtServiceNonOKStatus, response.Status, strings.TrimSpace(string(body)))
	}

	var results []inferenceResult

	decodeErr := json.NewDecoder(response.Body).Decode(&results)
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode captioning response: %w", decodeErr)
	}

	if len(results) == 0 {
		return "", ErrEmptyCaption
	}

	return results[0].GeneratedText, nil
}
