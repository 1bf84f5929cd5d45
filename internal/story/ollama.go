package story

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
)

const (
	ollamaChatPath      = "/api/chat"
	ollamaRoleUser      = "user"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	maxErrorBodyBytes   = 512
	errFmtOllamaStatus  = "ollama returned non-OK status: %s, body: %s"
	errFmtOllamaRequest = "failed to send request to ollama at %s: %w"
)

// ErrMalformedResponse is returned when the chat response has no message content.
var ErrMalformedResponse = errors.New("text generation response has no message content")

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message *ollamaMessage `json:"message"`
	Error   string         `json:"error,omitempty"`
}

// OllamaGenerator generates text through a local Ollama chat endpoint.
type OllamaGenerator struct {
	httpClient  *http.Client
	baseURL     string
	model       string
	temperature float64
}

// NewOllamaGenerator creates a generator for the Ollama server at baseURL.
func NewOllamaGenerator(baseURL, model string, temperature float64, timeout time.Duration) *OllamaGenerator {
	return &OllamaGenerator{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		temperature: temperature,
	}
}

// Name identifies the generator in logs.
func (g *OllamaGenerator) Name() string {
	return "ollama/" + g.model
}

// Generate sends prompt as a single user message and returns the reply content.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	chatRequest := ollamaChatRequest{
		Model:    g.model,
		Messages: []ollamaMessage{{Role: ollamaRoleUser, Content: prompt}},
		Stream:   false,
		Options:  nil,
	}

	if g.temperature > 0 {
		chatRequest.Options = &ollamaOptions{Temperature: g.temperature}
	}

	body, err := json.Marshal(chatRequest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := g.baseURL + ollamaChatPath

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	request.Header.Set(headerContentType, contentTypeJSON)

	response, err := g.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf(errFmtOllamaRequest, url, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))

		return "", fmt.Errorf(errFmtOllamaStatus, response.Status, strings.TrimSpace(string(errorBody)))
	}

	var chatResponse ollamaChatResponse

	decodeErr := json.NewDecoder(response.Body).Decode(&chatResponse)
	if decodeErr != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", decodeErr)
	}

	if chatResponse.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrMalformedResponse, chatResponse.Error)
	}

	if chatResponse.Message == nil {
		return "", ErrMalformedResponse
	}

	return chatResponse.Message.Content, nil
}
