package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCaption matches every per-image captioning failure.
	ErrCaption = errors.New("caption generation failed")
	// ErrNoValidCaptions indicates that no image in the run produced a caption.
	ErrNoValidCaptions = errors.New("no valid captions were generated from the submitted images")
	// ErrStory indicates that the story composer failed after captions succeeded.
	ErrStory = errors.New("story composition failed")
	// ErrSynthesisExhausted indicates that the primary speech service ran out of attempts.
	// It triggers the fallback path and is never a run failure by itself.
	ErrSynthesisExhausted = errors.New("primary speech synthesis attempts exhausted")
	// ErrFallbackFailure indicates that both speech paths failed.
	ErrFallbackFailure = errors.New("fallback speech synthesis failed")
	// ErrSynthesisCanceled indicates that the run was cancelled while speech was being retried.
	ErrSynthesisCanceled = errors.New("speech synthesis canceled")
)

// CaptionError reports a captioning failure for one image.
type CaptionError struct {
	Image string
	Err   error
}

// NewCaptionError wraps cause as a caption failure for the named image.
func NewCaptionError(image string, cause error) *CaptionError {
	return &CaptionError{Image: image, Err: cause}
}

func (e *CaptionError) Error() string {
	return fmt.Sprintf("caption %q: %v", e.Image, e.Err)
}

func (e *CaptionError) Unwrap() error {
	return e.Err
}

// Is makes every CaptionError match ErrCaption.
func (e *CaptionError) Is(target error) bool {
	return target == ErrCaption
}
