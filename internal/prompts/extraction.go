package prompts

import "fmt"

// microExtractionTemplate turns one conversation segment into memories.
// The single format verb is the segment transcript.
const microExtractionTemplate = `Read this conversation segment and extract what is worth remembering
about the user, the relationship, or the world. Each memory is one
self-contained statement.

Valid memory_type values: Fact, Preference, Event, Opinion, Experience
poignancy is 1 (trivial) to 10 (life-changing).

Return a JSON array only. Example:

[
  {"content": "User's sister Dana is visiting next weekend", "subject": "Dana", "memory_type": "Event", "poignancy": 5, "keywords": ["sister", "visit"]},
  {"content": "User prefers oolong over black tea", "subject": "user", "memory_type": "Preference", "poignancy": 3, "keywords": ["tea"]}
]

If nothing is worth remembering, return [].

Conversation:
%s
JSON:`

// MicroExtractionPrompt returns the extraction prompt for a segment
// transcript produced by [FormatTranscript].
func MicroExtractionPrompt(transcript string) string {
	return fmt.Sprintf(microExtractionTemplate, transcript)
}
