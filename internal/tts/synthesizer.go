package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/cenkalti/backoff/v4"
)

// Log messages.
const (
	logFmtAttempt        = "Primary speech attempt %d/%d"
	logFmtAttemptFailed  = "Primary speech attempt %d/%d failed: %v"
	logFmtRetryIn        = "Retrying primary speech in %s"
	logFmtPrimaryDone    = "Primary speech audio written to %s (%d bytes)"
	logFmtFallingBack    = "Falling back to local speech engine: %v"
	logFmtFallbackDone   = "Fallback speech audio written to %s (%d bytes)"
	logFmtFallbackFailed = "Fallback speech failed: %v"
	logFmtCleanupFailed  = "Failed to remove partial audio %s: %v"
)

// SpeechClient is the primary remote synthesis service.
type SpeechClient interface {
	GenerateSpeech(ctx context.Context, text string) ([]byte, error)
}

// FallbackEngine is the local synthesizer used once the primary service is exhausted.
type FallbackEngine interface {
	Format() audio.Format
	Synthesize(ctx context.Context, text, outputPath string) error
}

// Transcoder converts between audio containers.
type Transcoder interface {
	Transcode(ctx context.Context, source, destination string) error
}

// SynthesizerOptions tunes retry and cancellation behavior.
type SynthesizerOptions struct {
	Policy RetryPolicy
	// FallbackOnCancel makes a cancelled run still produce fallback audio,
	// on a detached context bounded by FallbackTimeout.
	FallbackOnCancel bool
	FallbackTimeout  time.Duration
}

// Synthesizer implements core.SpeechSynthesizer.
type Synthesizer struct {
	client     SpeechClient
	fallback   FallbackEngine
	transcoder Transcoder
	options    SynthesizerOptions
	log        *logger.Logger
}

// NewSynthesizer wires the primary client, the fallback engine and the transcoder.
func NewSynthesizer(
	client SpeechClient,
	fallback FallbackEngine,
	transcoder Transcoder,
	options SynthesizerOptions,
	log *logger.Logger,
) *Synthesizer {
	return &Synthesizer{
		client:     client,
		fallback:   fallback,
		transcoder: transcoder,
		options:    options,
		log:        log,
	}
}

type synthesisState int

const (
	stateAttempting synthesisState = iota
	stateFallingBack
	stateDone
	stateFailed
)

// synthesis is the state of one Synthesize call. Exactly one of artifact and
// err is set once the state is terminal.
type synthesis struct {
	*Synthesizer

	text      string
	workspace *audio.Workspace
	retry     *RetryState
	state     synthesisState
	cause     error
	artifact  *core.AudioArtifact
	err       error
}

// Synthesize renders text into the workspace. Both slots are cleared first,
// so afterwards at most one slot file exists and it matches the returned
// artifact's provenance.
//
// The primary client is tried up to Policy.MaxAttempts times with
// exponential backoff and jitter between attempts, never after the last one.
// Once the attempts are exhausted the fallback engine runs exactly once, and
// its output is transcoded when its format differs from the workspace format.
//
// Errors returned here are run-fatal: ErrFallbackFailure when both paths
// failed, ErrSynthesisCanceled when ctx ended first and the cancel policy
// forbids a fallback. Exhaustion alone is never returned.
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	text core.StoryText,
	workspace *audio.Workspace,
) (*core.AudioArtifact, error) {
	if strings.TrimSpace(string(text)) == "" {
		return nil, ErrTextEmpty
	}

	clearErr := workspace.ClearSlots()
	if clearErr != nil {
		return nil, fmt.Errorf("failed to clear audio slots: %w", clearErr)
	}

	run := &synthesis{
		Synthesizer: s,
		text:        string(text),
		workspace:   workspace,
		retry:       s.options.Policy.NewState(),
		state:       stateAttempting,
	}

	for {
		// Each step moves the run to its next state until it is terminal.
		switch run.state {
		case stateAttempting:
			run.attempt(ctx)
		case stateFallingBack:
			run.fallBack(ctx)
		case stateDone:
			return run.artifact, nil
		case stateFailed:
			return nil, run.err
		}
	}
}

func (r *synthesis) attempt(ctx context.Context) {
	if ctx.Err() != nil {
		r.cancel(ctx.Err())

		return
	}

	number := r.retry.Failed() + 1
	maxAttempts := r.options.Policy.MaxAttempts
	r.log.Info(logFmtAttempt, number, maxAttempts)

	data, err := r.client.GenerateSpeech(ctx, r.text)
	if err == nil {
		r.acceptPrimary(data)

		return
	}

	r.log.Warn(logFmtAttemptFailed, number, maxAttempts, err)

	delay := r.retry.NextBackOff()
	if delay == backoff.Stop {
		r.cause = fmt.Errorf("%w after %d attempts: %w", core.ErrSynthesisExhausted, number, err)
		r.state = stateFallingBack

		return
	}

	r.log.Info(logFmtRetryIn, delay)

	waitErr := sleep(ctx, delay)
	if waitErr != nil {
		r.cancel(waitErr)
	}
}

func (r *synthesis) acceptPrimary(data []byte) {
	path := r.workspace.PrimaryPath()

	size, err := r.workspace.WriteFile(path, data)
	if err != nil {
		r.fail(fmt.Errorf("failed to store primary audio: %w", err))

		return
	}

	r.log.Info(logFmtPrimaryDone, path, size)
	r.finish(path, core.ProvenancePrimary, size)
}

// cancel applies the cancellation policy while attempting.
func (r *synthesis) cancel(cause error) {
	r.cause = fmt.Errorf("%w: %w", core.ErrSynthesisCanceled, cause)

	if r.options.FallbackOnCancel {
		r.state = stateFallingBack

		return
	}

	r.fail(r.cause)
}

func (r *synthesis) fallBack(ctx context.Context) {
	r.log.Warn(logFmtFallingBack, r.cause)

	if ctx.Err() != nil {
		if !r.options.FallbackOnCancel {
			r.fail(fmt.Errorf("%w: %w", core.ErrSynthesisCanceled, ctx.Err()))

			return
		}

		ctx = context.WithoutCancel(ctx)
	}

	if r.options.FallbackTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.options.FallbackTimeout)
		defer cancel()
	}

	path, size, err := r.renderFallback(ctx)
	if err != nil {
		r.log.Error(logFmtFallbackFailed, err)
		r.cleanup()
		r.fail(fmt.Errorf("%w: %w (%w)", core.ErrFallbackFailure, err, r.cause))

		return
	}

	r.log.Info(logFmtFallbackDone, path, size)
	r.finish(path, core.ProvenanceFallback, size)
}

// renderFallback runs the engine exactly once and moves its output, converted
// when needed, into the fallback slot.
func (r *synthesis) renderFallback(ctx context.Context) (string, int64, error) {
	native := r.fallback.Format()
	target := r.workspace.Format()
	intermediate := r.workspace.IntermediatePath(native)
	slot := r.workspace.FallbackPath()

	err := r.fallback.Synthesize(ctx, r.text, intermediate)
	if err != nil {
		return "", 0, err
	}

	if native == target {
		size, promoteErr := r.workspace.Promote(intermediate, slot)

		return slot, size, promoteErr
	}

	converted := r.workspace.IntermediatePath(target)

	transcodeErr := r.transcoder.Transcode(ctx, intermediate, converted)
	if transcodeErr != nil {
		return "", 0, fmt.Errorf("failed to transcode %s to %s: %w", native, target, transcodeErr)
	}

	removeErr := r.workspace.Remove(intermediate)
	if removeErr != nil {
		return "", 0, removeErr
	}

	size, err := r.workspace.Promote(converted, slot)

	return slot, size, err
}

func (r *synthesis) cleanup() {
	paths := []string{
		r.workspace.IntermediatePath(r.fallback.Format()),
		r.workspace.IntermediatePath(r.workspace.Format()),
		r.workspace.FallbackPath(),
	}

	for _, path := range paths {
		removeErr := r.workspace.Remove(path)
		if removeErr != nil {
			r.log.Warn(logFmtCleanupFailed, path, removeErr)
		}
	}
}

func (r *synthesis) finish(path string, provenance core.Provenance, size int64) {
	format := r.workspace.Format()
	r.artifact = &core.AudioArtifact{
		Path:        path,
		Format:      format,
		ContentType: format.ContentType(),
		Provenance:  provenance,
		Size:        size,
	}
	r.state = stateDone
}

func (r *synthesis) fail(err error) {
	r.err = err
	r.state = stateFailed
}

// sleep waits for delay or until ctx is done.
func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

