package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput reports model output that could not be decoded
// into the expected structure.
var ErrMalformedOutput = errors.New("malformed model output")

// DecodeStructured decodes prefix-continued model output into v. The
// engine is primed with prefix (for example "{" or "["), so the body
// usually lacks it; the prefix is re-added when missing. If decoding
// fails and suffix is set, a second attempt appends suffix to close an
// unterminated value. Markdown code fences are stripped first and text
// after the first complete value is ignored.
//
// Every failure wraps ErrMalformedOutput.
func DecodeStructured(body, prefix, suffix string, v any) error {
	s := stripFences(strings.TrimSpace(body))
	if prefix != "" && !strings.HasPrefix(s, prefix) {
		s = prefix + s
	}
	if strings.TrimSpace(strings.TrimPrefix(s, prefix)) == "" {
		return fmt.Errorf("%w: empty body", ErrMalformedOutput)
	}

	err := json.NewDecoder(strings.NewReader(s)).Decode(v)
	if err != nil && suffix != "" && !strings.HasSuffix(s, suffix) {
		err = json.NewDecoder(strings.NewReader(s + suffix)).Decode(v)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimPrefix(s, "```json\n")
	s = strings.TrimPrefix(s, "```\n")
	s = strings.TrimSuffix(s, "\n```")
	return strings.TrimSpace(s)
}
