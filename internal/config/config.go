// Package config provides the configuration structure for the story narrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/book-expert/story-narrator/internal/tts"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Provider names.
const (
	ProviderHuggingFace = "huggingface"
	ProviderGemini      = "gemini"
	ProviderOllama      = "ollama"
)

// Defaults applied to zero-valued settings.
const (
	defaultCaptionURL          = "https://api-inference.huggingface.co/models/Salesforce/blip-image-captioning-large"
	defaultCaptionKeyVariable  = "HUGGINGFACE_API_KEY"
	defaultCaptionConcurrency  = 1
	defaultGeminiModel         = "gemini-2.5-flash"
	defaultGeminiKeyVariable   = "GEMINI_API_KEY"
	defaultOllamaURL           = "http://127.0.0.1:11434"
	defaultOllamaModel         = "llama2"
	defaultSpeechURL           = "https://api-inference.huggingface.co/models/espnet/kan-bayashi_ljspeech_vits"
	defaultSpeechKeyVariable   = "HUGGINGFACE_API_KEY"
	defaultSpeechContentType   = "audio/flac"
	defaultMaxAttempts         = 5
	defaultInitialDelaySeconds = 1.0
	defaultMaxDelaySeconds     = 60.0
	defaultMaxJitterSeconds    = 1.0
	defaultFallbackCommand     = "espeak-ng"
	defaultFallbackFormat      = "wav"
	defaultTranscoderCommand   = "ffmpeg"
	defaultTimeoutSeconds      = 120
	defaultOutputDir           = "output"
	defaultLogsDir             = "logs"
	defaultEnvFile             = ".env"
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultRequestSubject      = "story.requested"
	defaultImageBucket         = "STORY_IMAGES"
	defaultAudioBucket         = "STORY_AUDIO"
)

// defaultFallbackArgs makes espeak-ng read the story on stdin and write a WAV file.
var defaultFallbackArgs = []string{"--stdin", "-v", "en", "-w", "{output}"}

// Validation errors.
var (
	ErrUnknownCaptionProvider = errors.New("unknown caption provider")
	ErrUnknownStoryProvider   = errors.New("unknown story provider")
	ErrMaxAttemptsRange       = errors.New("speech max_attempts must be at least 1")
	ErrDelayRange             = errors.New("speech delays must be non-negative and initial_delay <= max_delay")
	ErrFallbackCommandEmpty   = errors.New("fallback command cannot be empty")
	ErrOutputPlaceholder      = errors.New("fallback args must contain the {output} placeholder")
	ErrConcurrencyRange       = errors.New("caption concurrency must be at least 1")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	StoryRequestedSubject  string `toml:"story_requested_subject"`
	ImageObjectStoreBucket string `toml:"image_object_store_bucket"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	HandleTimeoutSeconds   int    `toml:"handle_timeout_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
	EnvFile     string `toml:"env_file"`
}

// CaptionConfig selects and tunes the image captioning service.
type CaptionConfig struct {
	Provider          string  `toml:"provider"`
	APIURL            string  `toml:"api_url"`
	Model             string  `toml:"model"`
	APIKeyVariable    string  `toml:"api_key_variable"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	Concurrency       int     `toml:"concurrency"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	CacheTTLSeconds   int     `toml:"cache_ttl_seconds"`
}

// StoryConfig selects and tunes the text generation service.
type StoryConfig struct {
	Provider       string  `toml:"provider"`
	BaseURL        string  `toml:"base_url"`
	Model          string  `toml:"model"`
	APIKeyVariable string  `toml:"api_key_variable"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// SpeechConfig tunes the primary speech service and its retry policy.
type SpeechConfig struct {
	APIURL              string  `toml:"api_url"`
	APIKeyVariable      string  `toml:"api_key_variable"`
	ContentType         string  `toml:"content_type"`
	MaxAttempts         int     `toml:"max_attempts"`
	InitialDelaySeconds float64 `toml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `toml:"max_delay_seconds"`
	MaxJitterSeconds    float64 `toml:"max_jitter_seconds"`
	TimeoutSeconds      int     `toml:"timeout_seconds"`
	FallbackOnCancel    bool    `toml:"fallback_on_cancel"`
}

// FallbackConfig describes the local speech engine and the transcoder.
type FallbackConfig struct {
	Command           string   `toml:"command"`
	Args              []string `toml:"args"`
	Format            string   `toml:"format"`
	TranscoderCommand string   `toml:"transcoder_command"`
	TimeoutSeconds    int      `toml:"timeout_seconds"`
}

// PipelineConfig holds run-level settings.
type PipelineConfig struct {
	RunTimeoutSeconds int `toml:"run_timeout_seconds"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Paths    PathsConfig    `toml:"paths"`
	Caption  CaptionConfig  `toml:"caption"`
	Story    StoryConfig    `toml:"story"`
	Speech   SpeechConfig   `toml:"speech"`
	Fallback FallbackConfig `toml:"fallback"`
	Pipeline PipelineConfig `toml:"pipeline"`
}

// Load loads the service configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile decodes a TOML file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode TOML configuration: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	c.applyPathDefaults()
	c.applyCaptionDefaults()
	c.applyStoryDefaults()
	c.applySpeechDefaults()
	c.applyFallbackDefaults()
}

func (c *Config) applyPathDefaults() {
	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = defaultLogsDir
	}

	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = defaultOutputDir
	}

	if c.Paths.EnvFile == "" {
		c.Paths.EnvFile = defaultEnvFile
	}

	setIfEmpty(&c.NATS.URL, defaultNATSURL)
	setIfEmpty(&c.NATS.StoryRequestedSubject, defaultRequestSubject)
	setIfEmpty(&c.NATS.ImageObjectStoreBucket, defaultImageBucket)
	setIfEmpty(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)

	if c.NATS.HandleTimeoutSeconds == 0 {
		c.NATS.HandleTimeoutSeconds = 10 * defaultTimeoutSeconds
	}
}

func (c *Config) applyCaptionDefaults() {
	if c.Caption.Provider == "" {
		c.Caption.Provider = ProviderHuggingFace
	}

	switch c.Caption.Provider {
	case ProviderHuggingFace:
		setIfEmpty(&c.Caption.APIURL, defaultCaptionURL)
		setIfEmpty(&c.Caption.APIKeyVariable, defaultCaptionKeyVariable)
	case ProviderGemini:
		setIfEmpty(&c.Caption.Model, defaultGeminiModel)
		setIfEmpty(&c.Caption.APIKeyVariable, defaultGeminiKeyVariable)
	}

	if c.Caption.TimeoutSeconds == 0 {
		c.Caption.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.Caption.Concurrency == 0 {
		c.Caption.Concurrency = defaultCaptionConcurrency
	}
}

func (c *Config) applyStoryDefaults() {
	if c.Story.Provider == "" {
		c.Story.Provider = ProviderOllama
	}

	switch c.Story.Provider {
	case ProviderOllama:
		setIfEmpty(&c.Story.BaseURL, defaultOllamaURL)
		setIfEmpty(&c.Story.Model, defaultOllamaModel)
	case ProviderGemini:
		setIfEmpty(&c.Story.Model, defaultGeminiModel)
		setIfEmpty(&c.Story.APIKeyVariable, defaultGeminiKeyVariable)
	}

	if c.Story.TimeoutSeconds == 0 {
		c.Story.TimeoutSeconds = defaultTimeoutSeconds
	}
}

func (c *Config) applySpeechDefaults() {
	setIfEmpty(&c.Speech.APIURL, defaultSpeechURL)
	setIfEmpty(&c.Speech.APIKeyVariable, defaultSpeechKeyVariable)
	setIfEmpty(&c.Speech.ContentType, defaultSpeechContentType)

	if c.Speech.MaxAttempts == 0 {
		c.Speech.MaxAttempts = defaultMaxAttempts
	}

	if c.Speech.InitialDelaySeconds == 0 {
		c.Speech.InitialDelaySeconds = defaultInitialDelaySeconds
	}

	if c.Speech.MaxDelaySeconds == 0 {
		c.Speech.MaxDelaySeconds = defaultMaxDelaySeconds
	}

	if c.Speech.MaxJitterSeconds == 0 {
		c.Speech.MaxJitterSeconds = defaultMaxJitterSeconds
	}

	if c.Speech.TimeoutSeconds == 0 {
		c.Speech.TimeoutSeconds = defaultTimeoutSeconds
	}
}

func (c *Config) applyFallbackDefaults() {
	setIfEmpty(&c.Fallback.Command, defaultFallbackCommand)
	setIfEmpty(&c.Fallback.Format, defaultFallbackFormat)
	setIfEmpty(&c.Fallback.TranscoderCommand, defaultTranscoderCommand)

	if len(c.Fallback.Args) == 0 {
		c.Fallback.Args = append([]string(nil), defaultFallbackArgs...)
	}

	if c.Fallback.TimeoutSeconds == 0 {
		c.Fallback.TimeoutSeconds = defaultTimeoutSeconds
	}
}

// Validate ensures that the configuration contains usable values.
func (c *Config) Validate() error {
	switch c.Caption.Provider {
	case ProviderHuggingFace, ProviderGemini:
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownCaptionProvider, c.Caption.Provider)
	}

	switch c.Story.Provider {
	case ProviderOllama, ProviderGemini:
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownStoryProvider, c.Story.Provider)
	}

	if c.Caption.Concurrency < 1 {
		return fmt.Errorf("%w: got %d", ErrConcurrencyRange, c.Caption.Concurrency)
	}

	if c.Speech.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrMaxAttemptsRange, c.Speech.MaxAttempts)
	}

	if c.Speech.InitialDelaySeconds < 0 || c.Speech.MaxJitterSeconds < 0 ||
		c.Speech.InitialDelaySeconds > c.Speech.MaxDelaySeconds {
		return ErrDelayRange
	}

	if c.Fallback.Command == "" {
		return ErrFallbackCommandEmpty
	}

	if !containsOutputPlaceholder(c.Fallback.Args) {
		return ErrOutputPlaceholder
	}

	_, formatErr := audio.ParseFormat(c.Fallback.Format)
	if formatErr != nil {
		return fmt.Errorf("fallback format: %w", formatErr)
	}

	_, contentTypeErr := audio.FormatForContentType(c.Speech.ContentType)
	if contentTypeErr != nil {
		return fmt.Errorf("speech content_type: %w", contentTypeErr)
	}

	return nil
}

// LoadEnv loads secrets from the configured .env file. A missing file is not an error.
func (c *Config) LoadEnv() error {
	_, statErr := os.Stat(c.Paths.EnvFile)
	if statErr != nil {
		return nil
	}

	err := godotenv.Load(c.Paths.EnvFile)
	if err != nil {
		return fmt.Errorf("failed to load env file '%s': %w", c.Paths.EnvFile, err)
	}

	return nil
}

// CaptionAPIKey returns the captioning credential from the environment.
func (c *Config) CaptionAPIKey() string {
	return os.Getenv(c.Caption.APIKeyVariable)
}

// StoryAPIKey returns the text generation credential from the environment.
func (c *Config) StoryAPIKey() string {
	if c.Story.APIKeyVariable == "" {
		return ""
	}

	return os.Getenv(c.Story.APIKeyVariable)
}

// SpeechAPIKey returns the primary speech credential from the environment.
func (c *Config) SpeechAPIKey() string {
	return os.Getenv(c.Speech.APIKeyVariable)
}

// RunTimeout returns the whole-run bound, zero meaning unbounded.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Pipeline.RunTimeoutSeconds) * time.Second
}

// HandleTimeout bounds the processing of one NATS request.
func (c *Config) HandleTimeout() time.Duration {
	return time.Duration(c.NATS.HandleTimeoutSeconds) * time.Second
}

// Seconds converts fractional seconds from the config into a duration.
func Seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

func setIfEmpty(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func containsOutputPlaceholder(args []string) bool {
	for _, arg := range args {
		if strings.Contains(arg, OutputPlaceholder) {
			return true
		}
	}

	return false
}

// OutputPlaceholder is replaced by the intermediate file path in fallback args.
const OutputPlaceholder = tts.OutputPlaceholder
