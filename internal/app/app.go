// Package app builds the story narrator components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/book-expert/story-narrator/internal/caption"
	"github.com/book-expert/story-narrator/internal/config"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/book-expert/story-narrator/internal/pipeline"
	"github.com/book-expert/story-narrator/internal/story"
	"github.com/book-expert/story-narrator/internal/tts"
	"google.golang.org/genai"
)

// ErrMissingAPIKey is returned when a provider that requires a key has none.
var ErrMissingAPIKey = errors.New("missing API key")

const logFmtNoKey = "No API key found in $%s; requests to %s will be unauthenticated"

// Components are the wired services of one process.
type Components struct {
	Pipeline *pipeline.Pipeline
	Speech   *tts.PrimaryClient
	Config   *config.Config
}

// Build creates every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Components, error) {
	primaryFormat, err := audio.FormatForContentType(cfg.Speech.ContentType)
	if err != nil {
		return nil, fmt.Errorf("speech content type: %w", err)
	}

	fallbackFormat, err := audio.ParseFormat(cfg.Fallback.Format)
	if err != nil {
		return nil, fmt.Errorf("fallback format: %w", err)
	}

	models, err := geminiModels(ctx, cfg)
	if err != nil {
		return nil, err
	}

	captioner, err := buildCaptioner(cfg, models, log)
	if err != nil {
		return nil, err
	}

	generator, err := buildGenerator(cfg, models)
	if err != nil {
		return nil, err
	}

	speechKey := cfg.SpeechAPIKey()
	if speechKey == "" {
		log.Warn(logFmtNoKey, cfg.Speech.APIKeyVariable, cfg.Speech.APIURL)
	}

	speech := tts.NewPrimaryClient(
		cfg.Speech.APIURL, speechKey, cfg.Speech.ContentType,
		time.Duration(cfg.Speech.TimeoutSeconds)*time.Second, log,
	)

	synthesizer := tts.NewSynthesizer(
		speech,
		tts.NewCommandEngine(cfg.Fallback.Command, cfg.Fallback.Args, fallbackFormat, log),
		tts.NewFFmpegTranscoder(cfg.Fallback.TranscoderCommand, log),
		tts.SynthesizerOptions{
			Policy: tts.RetryPolicy{
				MaxAttempts:  cfg.Speech.MaxAttempts,
				InitialDelay: config.Seconds(cfg.Speech.InitialDelaySeconds),
				MaxDelay:     config.Seconds(cfg.Speech.MaxDelaySeconds),
				MaxJitter:    config.Seconds(cfg.Speech.MaxJitterSeconds),
				Jitter:       nil,
			},
			FallbackOnCancel: cfg.Speech.FallbackOnCancel,
			FallbackTimeout:  time.Duration(cfg.Fallback.TimeoutSeconds) * time.Second,
		},
		log,
	)

	runner := pipeline.New(captioner, story.NewComposer(generator, log), synthesizer, pipeline.Options{
		OutputDir:          cfg.Paths.OutputDir,
		AudioFormat:        primaryFormat,
		CaptionConcurrency: cfg.Caption.Concurrency,
		CaptionRate:        cfg.Caption.RequestsPerSecond,
	}, log)

	return &Components{Pipeline: runner, Speech: speech, Config: cfg}, nil
}

// Run executes one pipeline run bounded by the configured run timeout.
func (c *Components) Run(ctx context.Context, images []core.Image) (*pipeline.Result, error) {
	if timeout := c.Config.RunTimeout(); timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return c.Pipeline.Run(ctx, images)
}

// geminiModels creates a Gemini client only when a stage is configured to use it.
func geminiModels(ctx context.Context, cfg *config.Config) (*genai.Models, error) {
	var keyVariable, apiKey string

	switch {
	case cfg.Caption.Provider == config.ProviderGemini:
		keyVariable, apiKey = cfg.Caption.APIKeyVariable, cfg.CaptionAPIKey()
	case cfg.Story.Provider == config.ProviderGemini:
		keyVariable, apiKey = cfg.Story.APIKeyVariable, cfg.StoryAPIKey()
	default:
		return nil, nil
	}

	if apiKey == "" {
		return nil, fmt.Errorf("%w: set $%s for the gemini provider", ErrMissingAPIKey, keyVariable)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return client.Models, nil
}

func buildCaptioner(cfg *config.Config, models *genai.Models, log *logger.Logger) (core.Captioner, error) {
	var captioner core.Captioner

	switch cfg.Caption.Provider {
	case config.ProviderHuggingFace:
		apiKey := cfg.CaptionAPIKey()
		if apiKey == "" {
			log.Warn(logFmtNoKey, cfg.Caption.APIKeyVariable, cfg.Caption.APIURL)
		}

		captioner = caption.NewHuggingFaceCaptioner(
			cfg.Caption.APIURL, apiKey, time.Duration(cfg.Caption.TimeoutSeconds)*time.Second, log,
		)
	case config.ProviderGemini:
		captioner = caption.NewGeminiCaptioner(models, cfg.Caption.Model, log)
	default:
		return nil, fmt.Errorf("%w: '%s'", config.ErrUnknownCaptionProvider, cfg.Caption.Provider)
	}

	if cfg.Caption.CacheTTLSeconds > 0 {
		captioner = caption.NewCachingCaptioner(captioner, time.Duration(cfg.Caption.CacheTTLSeconds)*time.Second)
	}

	return captioner, nil
}

func buildGenerator(cfg *config.Config, models *genai.Models) (story.Generator, error) {
	switch cfg.Story.Provider {
	case config.ProviderOllama:
		return story.NewOllamaGenerator(
			cfg.Story.BaseURL, cfg.Story.Model, cfg.Story.Temperature,
			time.Duration(cfg.Story.TimeoutSeconds)*time.Second,
		), nil
	case config.ProviderGemini:
		return story.NewGeminiGenerator(models, cfg.Story.Model, cfg.Story.Temperature), nil
	default:
		return nil, fmt.Errorf("%w: '%s'", config.ErrUnknownStoryProvider, cfg.Story.Provider)
	}
}
