package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/ember/internal/actuator"
	"github.com/nugget/ember/internal/agent"
	"github.com/nugget/ember/internal/buildinfo"
	"github.com/nugget/ember/internal/checkpoint"
	"github.com/nugget/ember/internal/clock"
	"github.com/nugget/ember/internal/config"
	"github.com/nugget/ember/internal/connwatch"
	"github.com/nugget/ember/internal/dispatch"
	"github.com/nugget/ember/internal/embeddings"
	"github.com/nugget/ember/internal/events"
	"github.com/nugget/ember/internal/input"
	"github.com/nugget/ember/internal/llm"
	"github.com/nugget/ember/internal/memory"
	"github.com/nugget/ember/internal/mqtt"
	"github.com/nugget/ember/internal/psyche"
	"github.com/nugget/ember/internal/reflection"
	"github.com/nugget/ember/internal/session"
)

// shutdownTimeout bounds the drain, the final reflection, and the
// broker disconnect.
const shutdownTimeout = 30 * time.Second

// runServe builds every component from the config, runs until SIGINT or
// SIGTERM, and then shuts down in order: loops stop, queued events
// drain, the reflection buffer is flushed, a final checkpoint is
// written, and connections close.
func runServe(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logFormat, err := config.ParseLogFormat(cfg.LogFormat)
	if err != nil {
		return err
	}

	// stdout carries the conversation when the console is on.
	logOut := stdout
	if cfg.Console.Enabled {
		logOut = stderr
	}
	logger := newLogger(logOut, level, logFormat)

	logger.Info("starting Ember",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit(),
		"config", cfgPath,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	db, err := memory.OpenDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	a, err := build(cfg, db, stdout, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := a.model.Start(gctx); err != nil {
		return fmt.Errorf("start model watcher: %w", err)
	}
	defer a.model.Stop()
	if err := a.reflector.Start(gctx); err != nil {
		return fmt.Errorf("start reflector: %w", err)
	}
	if err := a.clock.Start(gctx); err != nil {
		a.reflector.Stop()
		return fmt.Errorf("start clock: %w", err)
	}

	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return a.checkpoints.Run(gctx, cfg.Checkpoint.Interval) })
	if a.link != nil {
		g.Go(func() error { return a.link.Start(gctx) })
	}
	if cfg.Console.Enabled && stdin != nil {
		listener := input.NewListener(stdin, a.bus, logger)
		g.Go(func() error { return listener.Run(gctx) })
	}

	logger.Info("Ember is awake",
		"channels", a.output.Names(),
		"tick", cfg.Clock.TickInterval,
		"model", cfg.Models.Default,
	)

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("component failed", "error", runErr)
	} else {
		runErr = nil
	}

	a.shutdown(logger)
	return runErr
}

// app holds the components runServe starts and stops.
type app struct {
	bus         *events.Bus
	dispatcher  *dispatch.Dispatcher
	clock       *clock.Clock
	reflector   *reflection.Reflector
	model       *connwatch.Watcher
	checkpoints *checkpoint.Manager
	output      *actuator.Broadcaster
	ws          *actuator.WSChannel
	link        *mqtt.Link
}

// build wires every component. Only storage failures are fatal; an
// unreachable model server or broker is retried at runtime.
func build(cfg *config.Config, db *sql.DB, stdout io.Writer, logger *slog.Logger) (*app, error) {
	var embedder embeddings.Embedder = embeddings.New(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
	if cfg.Embeddings.Cache {
		cached, err := embeddings.NewCachedEmbedder(embedder, db, cfg.Embeddings.Model, logger)
		if err != nil {
			return nil, fmt.Errorf("open embedding cache: %w", err)
		}
		embedder = cached
	}

	store, err := memory.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	layer := memory.NewLayer(store, embedder, memory.Config{
		Micro:     memory.Weights(cfg.Memory.Micro),
		Macro:     memory.Weights(cfg.Memory.Macro),
		OverFetch: cfg.Memory.OverFetch,
	}, logger)

	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, cfg.Models.Timeout)
	model, err := connwatch.New(connwatch.Config{
		Name:   "ollama",
		Probe:  ollama.Ping,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	engine := llm.NewEngine(ollama, cfg.Models.Default, cfg.Models.Timeout, logger)

	psyCfg := psycheConfig(cfg.Psyche)
	if err := psyCfg.Validate(); err != nil {
		return nil, fmt.Errorf("psyche config: %w", err)
	}

	bus := events.NewBus(logger)
	sess := session.New(cfg.Session.Capacity, logger)
	psy := psyche.New(psyCfg, logger)

	reflector := reflection.New(reflection.Config{
		MicroThreshold:    cfg.Reflection.MicroThreshold,
		MicroMaxAge:       cfg.Reflection.MicroMaxAge,
		SegmentGap:        cfg.Reflection.SegmentGap,
		PollInterval:      cfg.Reflection.PollInterval,
		MacroInterval:     cfg.Reflection.MacroInterval,
		MacroMinPoignancy: cfg.Reflection.MacroMinPoignancy,
		CallTimeout:       cfg.Reflection.CallTimeout,
	}, reflection.Deps{
		Engine: engine,
		Memory: layer,
		Bus:    bus,
		Logger: logger,
	})

	var archive *checkpoint.Archive
	if cfg.Checkpoint.Archive {
		archive, err = checkpoint.NewArchive(db)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint archive: %w", err)
		}
	}
	ckpt := checkpoint.NewManager(checkpoint.Config{
		Path:          cfg.CheckpointPath(),
		Archive:       archive,
		ArchiveMaxAge: cfg.Checkpoint.ArchiveMaxAge,
		ArchiveKeep:   cfg.Checkpoint.ArchiveKeep,
		Logger:        logger,
	})
	if err := ckpt.Load(); err != nil {
		logger.Warn("checkpoint unreadable, starting fresh", "path", cfg.CheckpointPath(), "error", err)
	}

	out := actuator.NewBroadcaster(logger)
	if cfg.Console.Enabled {
		out.Add(actuator.NewWriterChannel("console", stdout))
	}
	var ws *actuator.WSChannel
	if cfg.WebSocket.URL != "" {
		ws = actuator.NewWSChannel(cfg.WebSocket.URL, cfg.WebSocket.Headers, logger)
		out.Add(ws)
	}

	deps := &agent.Deps{
		Session:  sess,
		Psyche:   psy,
		Memory:   layer,
		Buffer:   reflector,
		Reasoner: engine,
		Output:   out,
		Persona:  loadPersona(cfg.PersonaPath(), logger),
		Config: agent.Config{
			RecentLimit:     cfg.Session.RecentLimit,
			InnerVoiceLimit: cfg.Session.InnerVoiceLimit,
			PresenceWindow:  cfg.Session.PresenceWindow,
			MemoryTopK:      cfg.Session.MemoryTopK,
		},
		Logger: logger,
	}

	ckpt.RegisterProvider("session", sess)
	ckpt.RegisterProvider("psyche", psy)
	ckpt.RegisterProvider("reflector", reflector)
	ckpt.RegisterProvider("agent", deps)
	if pending := ckpt.Pending(); len(pending) > 0 {
		logger.Warn("checkpoint holds state for unknown components", "names", pending)
	}

	var link *mqtt.Link
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("mqtt instance id: %w", err)
		}
		stats := &agentStats{psyche: psy, session: sess, reflector: reflector, agent: deps, model: model}
		link = mqtt.New(cfg.MQTT, instanceID, stats, input.Publisher(bus, nil), logger)
		out.Add(actuator.Plain(link))
	}

	return &app{
		bus:         bus,
		dispatcher:  dispatch.New(bus, agent.NewRegistry(deps), dispatch.DefaultPollTimeout, logger),
		clock:       clock.New(cfg.Clock.TickInterval, bus, nil, logger),
		reflector:   reflector,
		model:       model,
		checkpoints: ckpt,
		output:      out,
		ws:          ws,
		link:        link,
	}, nil
}

// shutdown runs after every loop has returned.
func (a *app) shutdown(logger *slog.Logger) {
	logger.Info("shutting down")

	a.clock.Stop()
	a.reflector.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if n := a.dispatcher.Drain(ctx); n > 0 {
		logger.Info("drained queued events", "count", n)
	}

	report := a.reflector.ForceSave(ctx)
	logger.Info("final reflection",
		"memories", report.Memories,
		"segments", report.Segments,
	)
	// Deliver the report the flush just published.
	a.dispatcher.Drain(ctx)

	if err := a.checkpoints.SaveShutdown(); err != nil {
		logger.Error("final checkpoint failed", "error", err)
	}

	if a.link != nil {
		if err := a.link.Stop(ctx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
	if a.ws != nil {
		if err := a.ws.Close(); err != nil {
			logger.Debug("websocket close failed", "error", err)
		}
	}

	st := a.dispatcher.Stats()
	logger.Info("Ember stopped",
		"handled", st.Handled,
		"failed", st.Failed,
		"ticks", a.clock.Ticks(),
	)
}

// psycheConfig names each drive and copies its parameters.
func psycheConfig(c config.PsycheConfig) psyche.Config {
	drive := func(name string, d config.DriveConfig) psyche.Drive {
		return psyche.Drive{
			Name:      name,
			Value:     d.Value,
			Min:       d.Min,
			Max:       d.Max,
			Rate:      d.Rate,
			Threshold: d.Threshold,
		}
	}
	return psyche.Config{
		Boredom:          drive(psyche.Boredom, c.Boredom),
		SocialNeed:       drive(psyche.SocialNeed, c.SocialNeed),
		Energy:           drive(psyche.Energy, c.Energy),
		MaxStep:          c.MaxStep,
		PresenceDamping:  c.PresenceDamping,
		SuppressRatio:    c.SuppressRatio,
		MinEnergy:        c.MinEnergy,
		ActiveSpeakCost:  c.ActiveSpeakCost,
		PassiveReplyCost: c.PassiveReplyCost,
	}
}

// loadPersona reads the persona file. An empty result makes the prompt
// builder fall back to its built-in persona.
func loadPersona(path string, logger *slog.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("persona file unreadable, using built-in persona", "path", path, "error", err)
		return ""
	}
	return string(data)
}

// agentStats exposes the agent's state to the MQTT sensors.
type agentStats struct {
	psyche    *psyche.System
	session   *session.State
	reflector *reflection.Reflector
	agent     *agent.Deps
	model     *connwatch.Watcher
}

func (s *agentStats) Snapshot() mqtt.Stats {
	st := s.psyche.State()
	return mqtt.Stats{
		Boredom:          st.Boredom.Value,
		SocialNeed:       st.SocialNeed.Value,
		Energy:           st.Energy.Value,
		Mood:             s.agent.Mood(),
		SessionMessages:  s.session.Len(),
		ReflectionBuffer: s.reflector.BufferLen(),
		ModelReady:       s.model.Ready(),
	}
}
