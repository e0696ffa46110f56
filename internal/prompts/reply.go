package prompts

import "fmt"

// Fallbacks used when the model's structured output cannot be decoded.
const (
	FallbackReply = "Sorry, I lost my train of thought for a moment. Could you say that again?"
	FallbackMood  = "neutral"
)

// replyTemplate asks for a reply to the newest user message. The format
// verbs are the transcript and the message being answered.
const replyTemplate = `Here is the recent conversation:

%s
The user just said:
%s

Reply in character. Also note what you privately think but do not say,
and name your mood in one or two words.

Return JSON only:
{"reply": "what you say", "inner_voice": "what you think", "mood": "calm"}

JSON:`

// ReplyPrompt returns the user-turn prompt for answering a message.
func ReplyPrompt(c ReplyContext, userText string) string {
	return fmt.Sprintf(replyTemplate, FormatTranscript(c.History), userText)
}

// decisionTemplate is sent when a drive crosses its threshold. The format
// verbs are the transcript and the time since the user last spoke.
const decisionTemplate = `Nobody has asked you anything, but you feel like reaching out.

Here is the recent conversation:

%s
The user last spoke %s.

Decide whether speaking up now would be welcome. Do not interrupt
for its own sake, repeat yourself, or nag. If you do speak, say
something that follows naturally from what you know about them.

Return JSON only. To speak:
{"should_act": true, "reply": "what you say", "inner_voice": "why", "mood": "playful"}

To stay quiet:
{"should_act": false, "reply": "", "inner_voice": "why not", "mood": "calm"}

JSON:`

// DecisionPrompt returns the prompt asking whether to speak unprompted.
// silence is a human description such as "2 hours ago".
func DecisionPrompt(c ReplyContext, silence string) string {
	if silence == "" {
		silence = "never"
	}
	return fmt.Sprintf(decisionTemplate, FormatTranscript(c.History), silence)
}
