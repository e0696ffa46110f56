// Package prompts contains all LLM prompt templates used by ember.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. Persona text is user configuration and is
// passed in; this package holds the instructions wrapped around it.
//
// Convention: each prompt category gets its own file (reply.go,
// extraction.go, diary.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string. Prompts
// that expect JSON end with a "JSON:" cue; callers prefill the assistant
// turn with the opening bracket or brace.
package prompts
