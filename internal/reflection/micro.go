package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ember/internal/events"
	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/memory"
	"github.com/nugget/ember/internal/prompts"
	"github.com/nugget/ember/internal/session"
)

// SplitSegments breaks msgs into conversation segments. A new segment
// starts whenever consecutive timestamps are more than gap apart. A
// non-positive gap yields a single segment.
func SplitSegments(msgs []session.ChatMessage, gap time.Duration) [][]session.ChatMessage {
	if len(msgs) == 0 {
		return nil
	}
	var segments [][]session.ChatMessage
	start := 0
	for i := 1; i < len(msgs); i++ {
		if gap > 0 && msgs[i].Timestamp.Sub(msgs[i-1].Timestamp) > gap {
			segments = append(segments, msgs[start:i])
			start = i
		}
	}
	return append(segments, msgs[start:])
}

// extractedMemory is one element of the extraction array.
type extractedMemory struct {
	Content    string   `json:"content"`
	Subject    string   `json:"subject"`
	MemoryType string   `json:"memory_type"`
	Poignancy  int      `json:"poignancy"`
	Keywords   []string `json:"keywords"`
}

// reflectMicro drains the buffer and processes each segment
// independently.
func (r *Reflector) reflectMicro(ctx context.Context) events.ReflectionReport {
	r.microMu.Lock()
	defer r.microMu.Unlock()

	r.bufMu.Lock()
	r.lastMicro = r.deps.Now()
	r.bufMu.Unlock()

	report := events.ReflectionReport{Kind: events.ReflectionMicro}

	msgs := r.swapBuffer()
	if len(msgs) == 0 {
		return report
	}

	segments := SplitSegments(msgs, r.cfg.SegmentGap)
	report.Segments = len(segments)

	var retry []session.ChatMessage
	for i, seg := range segments {
		n, err := r.extractSegment(ctx, seg)
		switch {
		case isTransport(err):
			r.deps.Logger.Warn("micro reflection failed, segment requeued",
				"segment", i,
				"messages", len(seg),
				"error", err,
			)
			retry = append(retry, seg...)
		case err != nil:
			report.Skipped++
		default:
			report.Memories += n
		}
	}
	r.requeue(retry)

	r.deps.Logger.Info("micro reflection complete",
		"messages", len(msgs),
		"segments", report.Segments,
		"memories", report.Memories,
		"skipped", report.Skipped,
		"requeued", len(retry),
	)
	r.publish(report)
	return report
}

// extractSegment asks the model for the segment's memories and saves
// them, returning how many were saved. A store failure aborts the
// segment so it is requeued; saves are keyed by content, so the retry
// overwrites whatever already landed.
func (r *Reflector) extractSegment(ctx context.Context, seg []session.ChatMessage) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	body, err := r.deps.Engine.Complete(callCtx, llm.Request{
		Prompt: prompts.MicroExtractionPrompt(prompts.FormatTranscript(seg)),
		Prefix: "[",
		JSON:   true,
	})
	if err != nil {
		return 0, fmt.Errorf("extract memories: %w", err)
	}

	var raw []extractedMemory
	if err := llm.DecodeStructured(body, "[", "]", &raw); err != nil {
		r.deps.Logger.Warn("micro reflection output malformed, segment skipped",
			"messages", len(seg),
			"error", err,
			"raw", body,
		)
		return 0, err
	}

	at := seg[len(seg)-1].Timestamp
	saved := 0
	for _, x := range raw {
		m, ok := r.toMicro(x, at)
		if !ok {
			continue
		}
		if _, err := r.deps.Memory.SaveMicro(ctx, m); err != nil {
			if errors.Is(err, memory.ErrInvalidMemory) {
				r.deps.Logger.Warn("micro memory rejected", "content", m.Content, "error", err)
				continue
			}
			return saved, fmt.Errorf("save micro memory: %w", err)
		}
		saved++
	}
	return saved, nil
}

func (r *Reflector) toMicro(x extractedMemory, at time.Time) (memory.MicroMemory, bool) {
	content := strings.TrimSpace(x.Content)
	if content == "" {
		r.deps.Logger.Debug("dropping extracted memory with empty content")
		return memory.MicroMemory{}, false
	}
	typ, err := memory.ParseMemoryType(x.MemoryType)
	if err != nil {
		r.deps.Logger.Debug("unknown memory type, using Fact", "memory_type", x.MemoryType)
		typ = memory.TypeFact
	}
	subject := strings.TrimSpace(x.Subject)
	if subject == "" {
		subject = "user"
	}
	return memory.MicroMemory{
		Content:   content,
		Subject:   subject,
		Type:      typ,
		Poignancy: memory.ClampPoignancy(x.Poignancy),
		Keywords:  x.Keywords,
		Timestamp: at,
	}, true
}
