package reflection

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nugget/ember/internal/events"
	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/memory"
	"github.com/nugget/ember/internal/prompts"
)

// diaryOutput is the model's consolidation result.
type diaryOutput struct {
	Diary           string   `json:"diary"`
	Subject         string   `json:"subject"`
	DominantEmotion string   `json:"dominant_emotion"`
	Poignancy       int      `json:"poignancy"`
	Keywords        []string `json:"keywords"`
}

// maybeStartMacro launches a macro run when one is due and none is in
// flight. The first call on a reflector with no macro history only
// starts the clock.
func (r *Reflector) maybeStartMacro(ctx context.Context) {
	now := r.deps.Now()

	r.macroMu.Lock()
	defer r.macroMu.Unlock()

	if r.macroRunning {
		return
	}
	if r.lastMacro.IsZero() {
		r.lastMacro = now
		return
	}
	if now.Sub(r.lastMacro) < r.cfg.MacroInterval {
		return
	}

	r.macroRunning = true
	since := r.lastMacro
	r.macroWG.Add(1)
	go func() {
		defer r.macroWG.Done()
		advance := r.reflectMacro(ctx, since, now)

		r.macroMu.Lock()
		r.macroRunning = false
		if advance {
			r.lastMacro = now
		}
		r.macroMu.Unlock()
	}()
}

// reflectMacro condenses memories stored in [since, until) into one
// diary entry. It reports whether the macro clock should advance: true
// unless loading, the model call or the save failed in transport.
func (r *Reflector) reflectMacro(ctx context.Context, since, until time.Time) bool {
	logger := r.deps.Logger

	mems, err := r.deps.Memory.RecentMicro(ctx, since, until, r.cfg.MacroMinPoignancy)
	if err != nil {
		logger.Error("macro reflection could not load memories", "error", err)
		return false
	}
	if len(mems) == 0 {
		logger.Debug("macro reflection skipped, no poignant memories", "since", since)
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	body, err := r.deps.Engine.Complete(callCtx, llm.Request{
		Prompt: prompts.MacroDiaryPrompt(mems, since, until),
		Prefix: "{",
		JSON:   true,
	})
	if err != nil {
		logger.Warn("macro reflection failed", "memories", len(mems), "error", err)
		return false
	}

	report := events.ReflectionReport{Kind: events.ReflectionMacro, Segments: 1}

	var out diaryOutput
	if err := llm.DecodeStructured(body, "{", "}", &out); err != nil || strings.TrimSpace(out.Diary) == "" {
		if err == nil {
			err = llm.ErrMalformedOutput
		}
		logger.Warn("macro reflection output malformed, skipped",
			"memories", len(mems),
			"error", err,
			"raw", body,
		)
		report.Skipped = 1
		r.publish(report)
		return true
	}

	poignancy := out.Poignancy
	if poignancy <= 0 {
		poignancy = averagePoignancy(mems)
	}
	subject := strings.TrimSpace(out.Subject)
	if subject == "" {
		subject = "day"
	}
	emotion := strings.TrimSpace(out.DominantEmotion)
	if emotion == "" {
		emotion = prompts.FallbackMood
	}

	saved, err := r.deps.Memory.SaveMacro(ctx, memory.MacroMemory{
		DiaryContent:    strings.TrimSpace(out.Diary),
		Subject:         subject,
		DominantEmotion: emotion,
		Poignancy:       poignancy,
		Keywords:        out.Keywords,
		Timestamp:       until,
	})
	if errors.Is(err, memory.ErrInvalidMemory) {
		logger.Warn("macro memory rejected", "error", err)
		report.Skipped = 1
		r.publish(report)
		return true
	}
	if err != nil {
		logger.Error("failed to save macro memory, will retry", "error", err)
		return false
	}

	report.Memories = 1
	report.Diary = saved.DiaryContent
	logger.Info("macro reflection complete",
		"memories_in", len(mems),
		"emotion", saved.DominantEmotion,
		"poignancy", saved.Poignancy,
	)
	r.publish(report)
	return true
}

func averagePoignancy(mems []memory.MicroMemory) int {
	if len(mems) == 0 {
		return memory.MinPoignancy
	}
	sum := 0
	for _, m := range mems {
		sum += m.Poignancy
	}
	return memory.ClampPoignancy((sum + len(mems)/2) / len(mems))
}
