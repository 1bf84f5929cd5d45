// Package caption turns images into normalized one-line descriptions.
package caption

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/story-narrator/internal/core"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrEmptyCaption is returned when the model produced no usable text.
var ErrEmptyCaption = errors.New("captioning model returned no text")

// artifactPrefix matches the "arafed"/"araffe" tokens that BLIP-style models
// emit at the start of a caption, with any punctuation that follows them.
var artifactPrefix = regexp.MustCompile(`(?i)^\s*ar+af+e*d?\b[\s,.:;-]*`)

// Normalize strips leading model artifacts, trims the text and capitalizes
// the first letter while lowercasing the rest.
func Normalize(raw string) (core.Caption, error) {
	text := strings.TrimSpace(raw)

	for {
		stripped := artifactPrefix.ReplaceAllString(text, "")
		if stripped == text {
			break
		}

		text = strings.TrimSpace(stripped)
	}

	if text == "" {
		return "", ErrEmptyCaption
	}

	first, size := utf8.DecodeRuneInString(text)
	head := cases.Upper(language.English).String(string(first))
	tail := cases.Lower(language.English).String(text[size:])

	return core.Caption(head + tail), nil
}
