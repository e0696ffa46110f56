package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ember/internal/memory"
)

// macroDiaryTemplate condenses a period of memories into a diary entry.
// The format verbs are the period start, period end, and the memory list.
const macroDiaryTemplate = `Write a short private diary entry covering %s to %s, based on
the memories below. Write in the first person, as yourself. Capture what
happened, what it meant, and how you feel about it.

Memories:
%s
Return JSON only:
{"diary": "the entry", "subject": "what the period was mostly about", "dominant_emotion": "content", "poignancy": 6, "keywords": ["word"]}

poignancy is 1 (uneventful) to 10 (unforgettable).

JSON:`

// MacroDiaryPrompt returns the consolidation prompt for memories saved
// between since and until.
func MacroDiaryPrompt(memories []memory.MicroMemory, since, until time.Time) string {
	var sb strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&sb, "- [%s] (%s, poignancy %d) %s\n",
			m.Timestamp.Format("2006-01-02 15:04"), m.Type, m.Poignancy, m.Content)
	}
	return fmt.Sprintf(macroDiaryTemplate,
		since.Format("2006-01-02 15:04"), until.Format("2006-01-02 15:04"), sb.String())
}
