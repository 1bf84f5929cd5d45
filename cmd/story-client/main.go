package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/app"
	"github.com/book-expert/story-narrator/internal/config"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/book-expert/story-narrator/internal/pipeline"
)

// Flag descriptions.
const (
	flagOutputDesc  = "Directory that receives one sub-directory per run"
	flagConfigDesc  = "Path to a TOML configuration file (defaults are used when empty)"
	flagVerboseDesc = "Enable verbose logging"
	flagHealthDesc  = "Check the primary speech service and exit"
)

// Flag names.
const (
	flagOutput  = "output"
	flagConfig  = "config"
	flagVerbose = "verbose"
	flagHealth  = "health"
)

// Error messages.
const (
	errFailedToLoadConfig = "failed to load configuration: %w"
	errFailedToInitLogger = "failed to initialize logger: %w"
	errNoImages           = "at least one image path must be provided"
	errFailedToReadImage  = "failed to read image %s: %w"
	errServiceNotHealthy  = "Speech service is not healthy: %v\n"
	msgServiceHealthy     = "Speech service is healthy"
)

// User-facing messages.
const (
	msgScenariosHeader  = "Generated image scenarios:"
	msgScenarioLine     = "Image %d: %s\n"
	msgCaptionFailed    = "Image %d (%s) could not be captioned: %v\n"
	msgStoryHeader      = "Dialogue-based story with moral:"
	msgPrimaryAudio     = "Audio generated successfully with the primary speech model: %s\n"
	msgFallbackAudio    = "Warning: the primary speech model was unavailable, audio was generated with the fallback engine: %s\n"
	msgNoAudio          = "Error: no audio was generated."
	msgNoValidCaptions  = "Error: no valid scenarios were generated from the submitted images."
	msgStoryFailed      = "Error: unable to generate the dialogue-based story: %v\n"
	msgSpeechFailed     = "Error: speech synthesis failed: %v\n"
	msgRunFailed        = "Error: %v\n"
	logFileNameDefault  = "story-client.log"
	logFileNameVerbose  = "story-client-verbose.log"
	healthCheckDuration = 10 * time.Second
)

// ErrRunFailed is returned after a failed run has been rendered.
var ErrRunFailed = errors.New("story run failed")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	output  string
	config  string
	verbose bool
	health  bool
	images  []string
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}
	defer clientLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, clientLog)
	if err != nil {
		return err
	}

	if flags.health {
		return handleHealthCheck(ctx, components, clientLog, stdout)
	}

	images, err := readImages(flags.images)
	if err != nil {
		clientLog.Error("%v", err)

		return err
	}

	result, runErr := components.Run(ctx, images)
	render(stdout, result, runErr)

	if runErr != nil {
		return fmt.Errorf("%w: %w", ErrRunFailed, runErr)
	}

	return nil
}

// parseFlags parses args; the remaining positional arguments are image paths.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("story-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return flags, err
	}

	flags.images = flagSet.Args()

	if !flags.health && len(flags.images) == 0 {
		flagSet.Usage()

		return flags, errors.New(errNoImages)
	}

	return flags, nil
}

func loadConfig(flags appFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if flags.config != "" {
		cfg, err = config.LoadFile(flags.config)
	} else {
		cfg, err = config.Parse(nil)
	}

	if err != nil {
		return nil, fmt.Errorf(errFailedToLoadConfig, err)
	}

	if flags.output != "" {
		cfg.Paths.OutputDir = flags.output
	}

	err = cfg.LoadEnv()
	if err != nil {
		return nil, fmt.Errorf(errFailedToLoadConfig, err)
	}

	return cfg, nil
}

// handleHealthCheck pings the primary speech service and prints the result.
func handleHealthCheck(
	ctx context.Context,
	components *app.Components,
	clientLog *logger.Logger,
	stdout io.Writer,
) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckDuration)
	defer cancel()

	err := components.Speech.Ping(ctx)
	if err != nil {
		clientLog.Error("Health check failed: %v", err)
		fmt.Fprintf(stdout, errServiceNotHealthy, err)

		return err
	}

	fmt.Fprintln(stdout, msgServiceHealthy)

	return nil
}

func readImages(paths []string) ([]core.Image, error) {
	images := make([]core.Image, 0, len(paths))

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf(errFailedToReadImage, path, err)
		}

		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}

		images = append(images, core.Image{Name: filepath.Base(path), Data: data, MIMEType: mimeType})
	}

	return images, nil
}

// render prints the outcome of a run for a person at a terminal.
func render(stdout io.Writer, result *pipeline.Result, runErr error) {
	if result != nil {
		renderCaptions(stdout, result)

		if result.Story != "" {
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, msgStoryHeader)
			fmt.Fprintln(stdout, result.Story)
		}
	}

	fmt.Fprintln(stdout)

	var stageFailure *pipeline.StageFailure

	switch {
	case runErr == nil && result != nil && result.Audio != nil:
		renderAudio(stdout, result.Audio)
	case errors.Is(runErr, core.ErrNoValidCaptions):
		fmt.Fprintln(stdout, msgNoValidCaptions)
	case errors.As(runErr, &stageFailure) && stageFailure.Stage == pipeline.StageStory:
		fmt.Fprintf(stdout, msgStoryFailed, stageFailure.Err)
	case errors.As(runErr, &stageFailure) && stageFailure.Stage == pipeline.StageSpeech:
		fmt.Fprintf(stdout, msgSpeechFailed, stageFailure.Err)
		fmt.Fprintln(stdout, msgNoAudio)
	case runErr != nil:
		fmt.Fprintf(stdout, msgRunFailed, runErr)
	default:
		fmt.Fprintln(stdout, msgNoAudio)
	}
}

func renderCaptions(stdout io.Writer, result *pipeline.Result) {
	if len(result.Captions) > 0 {
		fmt.Fprintln(stdout, msgScenariosHeader)

		for position, caption := range result.Captions {
			fmt.Fprintf(stdout, msgScenarioLine, imageNumber(result, position), caption)
		}
	}

	for _, failure := range result.CaptionFailures {
		fmt.Fprintf(stdout, msgCaptionFailed, failure.Index+1, failure.Image, failure.Err)
	}
}

// imageNumber is the 1-based input position of the image behind the caption
// at position.
func imageNumber(result *pipeline.Result, position int) int {
	if position < len(result.CaptionIndexes) {
		return result.CaptionIndexes[position] + 1
	}

	return position + 1
}

func renderAudio(stdout io.Writer, artifact *core.AudioArtifact) {
	switch artifact.Provenance {
	case core.ProvenancePrimary:
		fmt.Fprintf(stdout, msgPrimaryAudio, artifact.Path)
	case core.ProvenanceFallback:
		fmt.Fprintf(stdout, msgFallbackAudio, artifact.Path)
	default:
		fmt.Fprintln(stdout, msgNoAudio)
	}
}
