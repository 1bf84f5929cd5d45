// Package tts renders story text to audio through a primary remote speech
// service, retrying with exponential backoff and falling back to a local
// engine when the service stays unavailable.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	contentTypeJSON     = "application/json"
)

// Limits.
const (
	maxLoggedBodyBytes = 512
)

// Error messages.
const (
	errFmtServiceError       = "speech service error (%s): %s"
	errFmtServiceNonOKStatus = "speech service returned non-OK status: %s, body: %s"
	errFmtContentType        = "%w: expected %s, got %q"
	logFmtUnexpectedBody     = "Speech service returned %q instead of %s: %s"
)

var (
	// ErrTextEmpty is returned when there is no text to synthesize.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrUnexpectedContentType marks a 2xx response that is not the expected audio type.
	ErrUnexpectedContentType = errors.New("unexpected content type from speech service")
	// ErrEmptyAudio is returned for a successful response without a body.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrServiceStatus marks a non-2xx response.
	ErrServiceStatus = errors.New("speech service request failed")
)

// SpeechRequest is the JSON payload of the primary speech service.
type SpeechRequest struct {
	Inputs string `json:"inputs"`
}

// ServiceErrorResponse is the error body returned by hosted inference endpoints.
type ServiceErrorResponse struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}

// PrimaryClient talks to the remote speech synthesis endpoint.
type PrimaryClient struct {
	httpClient  *http.Client
	apiURL      string
	apiKey      string
	contentType string
	log         *logger.Logger
}

// NewPrimaryClient creates a client for apiURL that accepts only audio of
// contentType.
func NewPrimaryClient(
	apiURL, apiKey, contentType string,
	timeout time.Duration,
	log *logger.Logger,
) *PrimaryClient {
	return &PrimaryClient{
		httpClient:  &http.Client{Timeout: timeout},
		apiURL:      apiURL,
		apiKey:      apiKey,
		contentType: contentType,
		log:         log,
	}
}

// GenerateSpeech posts the full text and returns the audio body. The text is
// sent as one request, never split, and the Accept header asks for the
// configured audio content type.
//
// Non-2xx responses are decoded into ErrServiceStatus errors. A 2xx response
// with any other content type is an ErrUnexpectedContentType failure and the
// first part of its body is logged. Callers treat every returned error as
// one failed attempt.
func (c *PrimaryClient) GenerateSpeech(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	// Marshal request to JSON according to the inference API contract
	requestBody, err := json.Marshal(SpeechRequest{Inputs: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Construct HTTP request with explicit headers
	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, c.contentType)
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to speech service at %s: %w", c.apiURL, err)
	}
	defer resp.Body.Close()

	// Handle non-success status codes with structured error parsing
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, parseErrorResponse(resp)
	}

	// Validate the media type before trusting the body as audio
	contentType := resp.Header.Get(headerContentType)
	if !sameMediaType(contentType, c.contentType) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBodyBytes))
		c.log.Warn(logFmtUnexpectedBody, contentType, c.contentType, strings.TrimSpace(string(body)))

		return nil, fmt.Errorf(errFmtContentType, ErrUnexpectedContentType, c.contentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// Ping checks that the speech endpoint is reachable and accepts the credentials.
// It issues a GET against the inference URL, which hosted endpoints answer
// with 200 once the model is loaded.
//
// Run it before a batch to fail fast with a clear message when the service is
// down; the pipeline itself does not depend on it.
func (c *PrimaryClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrServiceStatus, resp.Status)
	}

	return nil
}

func (c *PrimaryClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}
}

// parseErrorResponse decodes a structured JSON error and falls back to the
// raw body. Hosted endpoints report a loading model as {"error": ...,
// "estimated_time": ...}; the error message ends up in the attempt log.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBodyBytes))

	var errorResp ServiceErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Error != "" {
		return fmt.Errorf("%w: "+errFmtServiceError, ErrServiceStatus, resp.Status, errorResp.Error)
	}

	return fmt.Errorf("%w: "+errFmtServiceNonOKStatus, ErrServiceStatus, resp.Status, strings.TrimSpace(string(body)))
}

func sameMediaType(got, want string) bool {
	gotType, _, gotErr := mime.ParseMediaType(got)
	wantType, _, wantErr := mime.ParseMediaType(want)

	if gotErr != nil || wantErr != nil {
		return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want))
	}

	return gotType == wantType
}
