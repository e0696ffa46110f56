package agent

import (
	"fmt"
	"strings"

	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/prompts"
)

// Reply is the structured answer to a user message.
type Reply struct {
	Reply      string `json:"reply"`
	InnerVoice string `json:"inner_voice"`
	Mood       string `json:"mood"`
}

// Decision is the structured answer to "do you want to speak now?".
type Decision struct {
	ShouldAct  bool   `json:"should_act"`
	Reply      string `json:"reply"`
	InnerVoice string `json:"inner_voice"`
	Mood       string `json:"mood"`
}

// ParseReply decodes model output for a reply. On error the fallback
// reply and neutral mood are returned alongside it.
func ParseReply(body string) (Reply, error) {
	var r Reply
	if err := llm.DecodeStructured(body, "{", "}", &r); err != nil {
		return fallbackReply(), err
	}
	r.Reply = strings.TrimSpace(r.Reply)
	if r.Reply == "" {
		return fallbackReply(), fmt.Errorf("%w: empty reply", llm.ErrMalformedOutput)
	}
	r.InnerVoice = strings.TrimSpace(r.InnerVoice)
	r.Mood = normalizeMood(r.Mood)
	return r, nil
}

// ParseDecision decodes model output for a speak decision. On error it
// returns a decision to stay quiet with a neutral mood.
func ParseDecision(body string) (Decision, error) {
	var dec Decision
	if err := llm.DecodeStructured(body, "{", "}", &dec); err != nil {
		return Decision{Mood: prompts.FallbackMood}, err
	}
	dec.Reply = strings.TrimSpace(dec.Reply)
	dec.InnerVoice = strings.TrimSpace(dec.InnerVoice)
	dec.Mood = normalizeMood(dec.Mood)
	if dec.ShouldAct && dec.Reply == "" {
		dec.ShouldAct = false
	}
	return dec, nil
}

func fallbackReply() Reply {
	return Reply{Reply: prompts.FallbackReply, Mood: prompts.FallbackMood}
}

func normalizeMood(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "" {
		return prompts.FallbackMood
	}
	return m
}
