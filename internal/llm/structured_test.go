package llm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type decision struct {
	ShouldAct bool   `json:"should_act"`
	Reply     string `json:"reply"`
}

func TestDecodeStructured_Object(t *testing.T) {
	tests := []struct {
		name string
		body string
		want decision
	}{
		{"continuation", `"should_act": true, "reply": "hi"}`, decision{true, "hi"}},
		{"already prefixed", `{"should_act": false, "reply": ""}`, decision{false, ""}},
		{"fenced", "```json\n{\"should_act\": true, \"reply\": \"x\"}\n```", decision{true, "x"}},
		{"trailing chatter", `"should_act": true, "reply": "ok"} hope that helps!`, decision{true, "ok"}},
		{"unterminated", `"should_act": true, "reply": "cut"`, decision{true, "cut"}},
		{"leading whitespace", "\n  \"should_act\": true, \"reply\": \"w\"}", decision{true, "w"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got decision
			if err := DecodeStructured(tt.body, "{", "}", &got); err != nil {
				t.Fatalf("DecodeStructured() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeStructured_Array(t *testing.T) {
	type item struct {
		Content string `json:"content"`
	}
	var got []item
	body := `{"content": "likes tea"}, {"content": "has a cat"}]`
	if err := DecodeStructured(body, "[", "]", &got); err != nil {
		t.Fatalf("DecodeStructured() error: %v", err)
	}
	want := []item{{"likes tea"}, {"has a cat"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	var empty []item
	if err := DecodeStructured("]", "[", "]", &empty); err != nil {
		t.Fatalf("DecodeStructured(empty array) error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len = %d, want 0", len(empty))
	}
}

func TestDecodeStructured_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"prose", "I'd rather not answer that."},
		{"wrong type", `"should_act": "maybe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got decision
			err := DecodeStructured(tt.body, "{", "}", &got)
			if !errors.Is(err, ErrMalformedOutput) {
				t.Errorf("error = %v, want ErrMalformedOutput", err)
			}
		})
	}
}
