package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/audio"
)

// OutputPlaceholder in engine arguments is replaced by the output file path.
const OutputPlaceholder = "{output}"

// ErrNoOutput is returned when a subprocess exits cleanly without writing audio.
var ErrNoOutput = errors.New("command produced no audio output")

// CommandEngine runs a local text-to-speech program. The story is written to
// its standard input and every OutputPlaceholder in args is replaced by the
// file it must create.
type CommandEngine struct {
	command string
	args    []string
	format  audio.Format
	log     *logger.Logger
}

// NewCommandEngine creates an engine that produces audio in format.
func NewCommandEngine(command string, args []string, format audio.Format, log *logger.Logger) *CommandEngine {
	return &CommandEngine{
		command: command,
		args:    append([]string(nil), args...),
		format:  format,
		log:     log,
	}
}

// Format is the native container the engine writes.
func (e *CommandEngine) Format() audio.Format {
	return e.format
}

// Synthesize speaks text into outputPath.
func (e *CommandEngine) Synthesize(ctx context.Context, text, outputPath string) error {
	args := make([]string, len(e.args))
	for index, arg := range e.args {
		args[index] = strings.ReplaceAll(arg, OutputPlaceholder, outputPath)
	}

	e.log.Info("Running fallback speech engine: %s", e.command)

	// #nosec G204 -- command and arguments come from validated configuration
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Stdin = strings.NewReader(text)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s execution failed: %w - output: %s", e.command, err, strings.TrimSpace(string(output)))
	}

	return requireOutput(outputPath)
}

// FFmpegTranscoder converts audio containers with an ffmpeg-compatible binary.
type FFmpegTranscoder struct {
	command string
	log     *logger.Logger
}

// NewFFmpegTranscoder creates a transcoder that runs command.
func NewFFmpegTranscoder(command string, log *logger.Logger) *FFmpegTranscoder {
	return &FFmpegTranscoder{command: command, log: log}
}

// Transcode converts source into destination, choosing the container from
// the destination extension.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, source, destination string) error {
	args := []string{"-y", "-loglevel", "error", "-i", source, destination}

	t.log.Info("Transcoding %s to %s", source, destination)

	// #nosec G204 -- paths are generated inside the run workspace
	cmd := exec.CommandContext(ctx, t.command, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s execution failed: %w - output: %s", t.command, err, strings.TrimSpace(string(output)))
	}

	return requireOutput(destination)
}

func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoOutput, err)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNoOutput, path)
	}

	return nil
}
