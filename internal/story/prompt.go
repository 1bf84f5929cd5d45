package story

import (
	"strings"

	"github.com/book-expert/story-narrator/internal/core"
)

const promptTemplate = `You are a talented screenwriter who writes engaging dialogue-based stories with morals from scene descriptions.
Using the scenarios below, each describing an image or scene, write one cohesive short story told mainly through dialogue. The story must:
- Be about 200 to 250 words long
- Consist mainly of dialogue with minimal narration
- Use elements from every scenario
- Put the speaking character's name before each line of dialogue
- Capture the mood and setting of the scenes
- Use brief stage directions in parentheses where needed
- Have a clear beginning, middle and end
- End with a moral or lesson that ties the scenes together
- Start each line of dialogue with the character's name in ALL CAPS, followed by a colon and the line
SCENARIOS: %s
DIALOGUE-BASED STORY WITH MORAL:
`

const scenarioPlaceholder = "%s"

// JoinScenarios space-joins captions in order into one scenario string.
func JoinScenarios(captions core.CaptionSet) string {
	parts := make([]string, 0, len(captions))

	for _, caption := range captions {
		parts = append(parts, string(caption))
	}

	return strings.Join(parts, " ")
}

// BuildPrompt embeds the joined captions into the story instruction.
func BuildPrompt(captions core.CaptionSet) string {
	return strings.Replace(promptTemplate, scenarioPlaceholder, JoinScenarios(captions), 1)
}
