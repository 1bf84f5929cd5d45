// Package pipeline sequences captioning, story composition and speech
// synthesis for one batch of images.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/story-narrator/internal/audio"
	"github.com/book-expert/story-narrator/internal/core"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Stage names a pipeline step in failures.
type Stage string

// Pipeline stages.
const (
	StageCaption Stage = "caption"
	StageStory   Stage = "story"
	StageSpeech  Stage = "speech"
)

// ErrNoImages is returned when Run is called without images.
var ErrNoImages = errors.New("no images were submitted")

// Log messages.
const (
	logFmtRunStarted    = "Run %s started with %d image(s)"
	logFmtCaptionFailed = "Image %d (%s) could not be captioned: %v"
	logFmtCaptioned     = "Image %d: %s"
	logFmtStageFailed   = "Run %s failed at %s stage: %v"
	logFmtRunFinished   = "Run %s finished with %s audio at %s"
)

// StageFailure reports the stage at which a run stopped.
type StageFailure struct {
	Stage Stage
	Err   error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s stage failed: %v", f.Stage, f.Err)
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

// CaptionFailure is one image that could not be captioned.
type CaptionFailure struct {
	Index int
	Image string
	Err   error
}

// Result is everything a run produced. On failure it still carries the
// output of the stages that completed.
//
// CaptionIndexes[i] is the input position of the image that produced
// Captions[i]. Workspace is the run directory once the speech stage has
// created it, and is empty before that.
type Result struct {
	RunID           string
	Captions        core.CaptionSet
	CaptionIndexes  []int
	CaptionFailures []CaptionFailure
	Story           core.StoryText
	Workspace       string
	Audio           *core.AudioArtifact
}

// Options tunes a Pipeline.
type Options struct {
	// OutputDir holds one workspace directory per run.
	OutputDir string
	// AudioFormat is the container the primary speech service returns.
	AudioFormat audio.Format
	// CaptionConcurrency bounds parallel caption requests. One keeps input order
	// of the requests as well as of the results.
	CaptionConcurrency int
	// CaptionRate limits caption requests per second. Zero disables limiting.
	CaptionRate float64
}

// Pipeline runs Captioner, StoryComposer and SpeechSynthesizer in sequence.
type Pipeline struct {
	captioner   core.Captioner
	composer    core.StoryComposer
	synthesizer core.SpeechSynthesizer
	options     Options
	limiter     *rate.Limiter
	log         *logger.Logger
}

// New creates a Pipeline.
func New(
	captioner core.Captioner,
	composer core.StoryComposer,
	synthesizer core.SpeechSynthesizer,
	options Options,
	log *logger.Logger,
) *Pipeline {
	if options.CaptionConcurrency < 1 {
		options.CaptionConcurrency = 1
	}

	var limiter *rate.Limiter
	if options.CaptionRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.CaptionRate), 1)
	}

	return &Pipeline{
		captioner:   captioner,
		composer:    composer,
		synthesizer: synthesizer,
		options:     options,
		limiter:     limiter,
		log:         log,
	}
}

// Run processes images in submission order. A single image is the same as
// a batch of one.
//
// Every image is captioned first; per-image caption failures are collected
// in the result and do not stop the run. The surviving captions are composed
// into one story, which is then synthesized into the run workspace
// <OutputDir>/<RunID>.
//
// Any other failure is returned as a *StageFailure naming the stage, and the
// returned Result still holds what earlier stages produced so callers can
// report partial progress. Only a call without images returns a nil Result.
func (p *Pipeline) Run(ctx context.Context, images []core.Image) (*Result, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}

	result := &Result{
		RunID:           uuid.NewString(),
		Captions:        nil,
		CaptionIndexes:  nil,
		CaptionFailures: nil,
		Story:           "",
		Workspace:       "",
		Audio:           nil,
	}

	p.log.Info(logFmtRunStarted, result.RunID, len(images))

	result.Captions, result.CaptionIndexes, result.CaptionFailures = p.captionAll(ctx, images)
	if len(result.Captions) == 0 {
		return result, p.stageFailed(result.RunID, StageCaption, core.ErrNoValidCaptions)
	}

	story, err := p.composer.Compose(ctx, result.Captions)
	if err != nil {
		return result, p.stageFailed(result.RunID, StageStory, err)
	}

	result.Story = story

	workspaceDir := filepath.Join(p.options.OutputDir, result.RunID)

	workspace, err := audio.NewWorkspace(workspaceDir, p.options.AudioFormat)
	result.Workspace = workspaceDir

	if err != nil {
		return result, p.stageFailed(result.RunID, StageSpeech, err)
	}

	artifact, err := p.synthesizer.Synthesize(ctx, story, workspace)
	if err != nil {
		return result, p.stageFailed(result.RunID, StageSpeech, err)
	}

	result.Audio = artifact
	p.log.Info(logFmtRunFinished, result.RunID, artifact.Provenance, artifact.Path)

	return result, nil
}

// captionAll captions every image. Results are placed by input index, so
// the CaptionSet order never depends on completion order. The returned
// indexes map each caption back to its image.
func (p *Pipeline) captionAll(
	ctx context.Context,
	images []core.Image,
) (core.CaptionSet, []int, []CaptionFailure) {
	captions := make([]core.Caption, len(images))
	errs := make([]error, len(images))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.options.CaptionConcurrency)

	for index, image := range images {
		group.Go(func() error {
			captions[index], errs[index] = p.captionOne(groupCtx, image)

			return nil
		})
	}

	_ = group.Wait()

	var (
		set      core.CaptionSet
		indexes  []int
		failures []CaptionFailure
	)

	for index, image := range images {
		if errs[index] != nil {
			p.log.Warn(logFmtCaptionFailed, index+1, image.Name, errs[index])
			failures = append(failures, CaptionFailure{Index: index, Image: image.Name, Err: errs[index]})

			continue
		}

		p.log.Info(logFmtCaptioned, index+1, captions[index])
		set = append(set, captions[index])
		indexes = append(indexes, index)
	}

	return set, indexes, failures
}

func (p *Pipeline) captionOne(ctx context.Context, image core.Image) (core.Caption, error) {
	if p.limiter != nil {
		waitErr := p.limiter.Wait(ctx)
		if waitErr != nil {
			return "", core.NewCaptionError(image.Name, waitErr)
		}
	}

	caption, err := p.captioner.Caption(ctx, image)
	if err != nil {
		if errors.Is(err, core.ErrCaption) {
			return "", err
		}

		return "", core.NewCaptionError(image.Name, err)
	}

	return caption, nil
}

func (p *Pipeline) stageFailed(runID string, stage Stage, err error) error {
	p.log.Error(logFmtStageFailed, runID, stage, err)

	return &StageFailure{Stage: stage, Err: err}
}
