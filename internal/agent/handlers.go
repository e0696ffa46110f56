package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/ember/internal/config"
	"github.com/nugget/ember/internal/dispatch"
	"github.com/nugget/ember/internal/events"
	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/prompts"
	"github.com/nugget/ember/internal/psyche"
	"github.com/nugget/ember/internal/session"
)

// HandlerFactory builds the handler for one event type.
type HandlerFactory func(*Deps) dispatch.Handler

// factories is the full set of handlers ember knows about.
var factories = map[events.Type]HandlerFactory{
	events.TypeUserInput:      newUserInputHandler,
	events.TypeSystemTick:     newTickHandler,
	events.TypeReflectionDone: newReflectionHandler,
}

// NewRegistry builds a handler registry from deps, one handler per
// event type.
func NewRegistry(deps *Deps) *dispatch.Registry {
	deps.setDefaults()
	reg := dispatch.NewRegistry(deps.Logger)
	for _, typ := range events.Types() {
		if f, ok := factories[typ]; ok {
			reg.Register(typ, f(deps))
		}
	}
	return reg
}

func payload[T any](e events.Event) (T, error) {
	v, ok := e.Content.(T)
	if !ok {
		return v, fmt.Errorf("%s event carries %T", e.Type, e.Content)
	}
	return v, nil
}

// --- USER_INPUT ---

type userInputHandler struct{ deps *Deps }

func newUserInputHandler(d *Deps) dispatch.Handler { return &userInputHandler{deps: d} }

// Handle records the user's message and answers it.
func (h *userInputHandler) Handle(ctx context.Context, e events.Event) error {
	d := h.deps
	in, err := payload[events.UserInput](e)
	if err != nil {
		return err
	}

	at := in.At
	if at.IsZero() {
		at = d.Now()
	}
	msg := session.ChatMessage{Role: session.RoleUser, Content: strings.TrimSpace(in.Text), Timestamp: at}
	if err := msg.Validate(); err != nil {
		d.Logger.Warn("dropping user input", "id", e.ID, "error", err)
		return nil
	}
	d.Session.AddMessages(msg)
	if d.Buffer != nil {
		d.Buffer.OnNewMessage(msg)
	}
	d.Psyche.OnUserInteraction()

	rc := d.replyContext(ctx, msg.Content)
	body, err := d.Reasoner.Complete(ctx, llm.Request{
		System: rc.SystemPrompt(),
		Prompt: prompts.ReplyPrompt(rc, msg.Content),
		Prefix: "{",
		JSON:   true,
	})
	if err != nil {
		d.Logger.Warn("reasoner unavailable, not replying", "id", e.ID, "error", err)
		return nil
	}

	reply, err := ParseReply(body)
	if err != nil {
		d.Logger.Warn("reply output malformed, using fallback", "error", err, "raw", body)
	}
	d.setMood(reply.Mood)

	d.speak(ctx, session.ChatMessage{
		Role:       session.RoleAgent,
		Content:    reply.Reply,
		InnerVoice: reply.InnerVoice,
		Timestamp:  d.Now(),
	})
	d.Psyche.OnAIPassiveReply()
	d.Logger.Info("replied to user", "mood", reply.Mood, "chars", len(reply.Reply))
	return nil
}

// --- SYSTEM_TICK ---

// tickHandler remembers the previous tick so drives advance by the
// real elapsed time.
type tickHandler struct {
	deps     *Deps
	lastTick time.Time
}

func newTickHandler(d *Deps) dispatch.Handler { return &tickHandler{deps: d} }

// Handle advances the drives and, on an urge, asks whether to speak.
func (h *tickHandler) Handle(ctx context.Context, e events.Event) error {
	d := h.deps
	tick, err := payload[events.Tick](e)
	if err != nil {
		return err
	}
	at := tick.At
	if at.IsZero() {
		at = d.Now()
	}

	var dt time.Duration
	if !h.lastTick.IsZero() {
		dt = at.Sub(h.lastTick)
	}
	h.lastTick = at

	lastUser := d.Session.LastUserReplyTime()
	present := !lastUser.IsZero() && at.Sub(lastUser) < d.Config.PresenceWindow
	if !d.Psyche.Update(dt, psyche.Stimuli{UserPresent: present}) {
		return nil
	}

	feeling := d.Psyche.Describe()
	d.Logger.Info("urge to speak", "seq", tick.Seq, "feeling", feeling)

	rc := d.replyContext(ctx, recentTopic(d.Session.RecentHistory(3, 3)))
	body, err := d.Reasoner.Complete(ctx, llm.Request{
		System: rc.SystemPrompt(),
		Prompt: prompts.DecisionPrompt(rc, silence(lastUser, at)),
		Prefix: "{",
		JSON:   true,
	})
	if err != nil {
		d.Logger.Warn("reasoner unavailable, urge suppressed", "error", err)
		d.Psyche.SuppressDrive()
		return nil
	}

	dec, err := ParseDecision(body)
	if err != nil {
		d.Logger.Warn("decision output malformed, staying quiet", "error", err, "raw", body)
	}
	d.setMood(dec.Mood)

	if !dec.ShouldAct {
		d.Logger.Debug("decided to stay quiet", "inner_voice", dec.InnerVoice)
		d.Psyche.SuppressDrive()
		return nil
	}

	d.speak(ctx, session.ChatMessage{
		Role:       session.RoleAgent,
		Content:    dec.Reply,
		InnerVoice: dec.InnerVoice,
		Timestamp:  d.Now(),
	})
	d.Psyche.OnAIActiveSpeak()
	d.Logger.Info("spoke unprompted", "mood", dec.Mood, "chars", len(dec.Reply))
	return nil
}

// recentTopic joins the latest messages into a retrieval query.
func recentTopic(msgs []session.ChatMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// silence describes how long ago the user last spoke.
func silence(lastUser, now time.Time) string {
	if lastUser.IsZero() {
		return "never"
	}
	return humanize.RelTime(lastUser, now, "ago", "from now")
}

// --- REFLECTION_DONE ---

type reflectionHandler struct{ deps *Deps }

func newReflectionHandler(d *Deps) dispatch.Handler { return &reflectionHandler{deps: d} }

// Handle logs the report and keeps the newest diary entry.
func (h *reflectionHandler) Handle(_ context.Context, e events.Event) error {
	d := h.deps
	report, err := payload[events.ReflectionReport](e)
	if err != nil {
		return err
	}

	d.Logger.Info("reflection finished",
		"kind", report.Kind,
		"segments", report.Segments,
		"memories", report.Memories,
		"skipped", report.Skipped,
	)
	if report.Kind == events.ReflectionMacro && strings.TrimSpace(report.Diary) != "" {
		d.setDiary(strings.TrimSpace(report.Diary))
		d.Logger.Log(context.Background(), config.LevelTrace, "diary updated", "diary", report.Diary)
	}
	return nil
}
