package story

import "strings"

const (
	lineSeparator    = "\n"
	speakerSeparator = ":"
)

// NormalizeDialogue rewrites every line containing a colon as
// "SPEAKER: text", with the speaker uppercased and both sides trimmed.
// Lines without a colon are kept verbatim. Applying it twice yields the
// same text as applying it once.
func NormalizeDialogue(text string) string {
	lines := strings.Split(text, lineSeparator)

	for index, line := range lines {
		speaker, rest, found := strings.Cut(line, speakerSeparator)
		if !found {
			continue
		}

		lines[index] = strings.ToUpper(strings.TrimSpace(speaker)) + speakerSeparator + " " + strings.TrimSpace(rest)
	}

	return strings.Join(lines, lineSeparator)
}
