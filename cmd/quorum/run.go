package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quorumkit/quorum/bus"
	"github.com/quorumkit/quorum/config"
	"github.com/quorumkit/quorum/floor"
	"github.com/quorumkit/quorum/internal/metrics"
	"github.com/quorumkit/quorum/llm"
	"github.com/quorumkit/quorum/memory"
	"github.com/quorumkit/quorum/orchestrator"
	"github.com/quorumkit/quorum/phase"
	"github.com/quorumkit/quorum/store"
	"github.com/quorumkit/quorum/types"
)

func runSession(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	goal := fs.String("goal", "", "Override the session goal")
	duration := fs.Duration("duration", 30*time.Second, "Wall-clock budget for the session")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *goal != "" {
		cfg.Session.Goal = *goal
	}
	if cfg.Session.Goal == "" {
		cfg.Session.Goal = "Draft a launch announcement for the new product"
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting quorum",
		zap.String("version", Version),
		zap.String("goal", cfg.Session.Goal),
		zap.Int("participants", len(cfg.Participants)),
	)

	st, err := store.New(cfg.Store)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer st.Close()

	b := bus.New(cfg.Bus, logger)
	arb := floor.New(cfg.Floor, b, clock.New(), logger)
	mem := memory.New(cfg.Memory, memory.NewPatternClassifier(), nil, logger)
	modes := phase.New(cfg.Mode, logger)

	collector := metrics.NewCollector("quorum", nil, logger)
	b.SetObserver(collector)
	arb.SetObserver(collector)

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	orch := orchestrator.New(cfg.Session, orchestrator.Deps{
		Bus:          b,
		Floor:        arb,
		Memory:       mem,
		Modes:        modes,
		Provider:     demoProvider(cfg),
		Participants: cfg.Participants,
		Logger:       logger,
	})

	unsub := orch.On(func(n orchestrator.Notification) {
		switch n.Type {
		case orchestrator.NotifyPhaseChange:
			logger.Info("phase change", zap.Any("phase", n.Payload))
		case orchestrator.NotifySynthesis:
			logger.Info("synthesis complete", zap.Any("assignments", n.Payload))
		case orchestrator.NotifyError:
			logger.Warn("session error", zap.Any("detail", n.Payload))
		}
	})
	defer unsub()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("Failed to start session", zap.Error(err))
	}

	deadline := time.NewTimer(*duration)
	defer deadline.Stop()
	advance := time.NewTicker(*duration / 6)
	defer advance.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupt received")
			break loop
		case <-deadline.C:
			break loop
		case <-advance.C:
			advancePhase(orch, logger)
		}
	}

	if err := orch.Stop("session budget reached"); err != nil {
		logger.Warn("stop failed", zap.Error(err))
	}

	persist(st, orch, mem, logger)
	printSummary(orch)
}

// advancePhase attempts the next structural transition for the current
// phase. Failed preconditions are reported, not fatal.
func advancePhase(orch *orchestrator.Orchestrator, logger *zap.Logger) {
	var result orchestrator.TransitionResult
	switch orch.GetSession().Phase {
	case orchestrator.PhaseBrainstorming:
		result = orch.TransitionToArgumentation()
	case orchestrator.PhaseArgumentation:
		result = orch.TransitionToSynthesis(false)
	case orchestrator.PhaseSynthesis:
		result = orch.TransitionToDrafting()
	default:
		return
	}
	if !result.Success {
		logger.Info("transition deferred", zap.String("reason", result.Message))
	}
}

func persist(st store.SessionStore, orch *orchestrator.Orchestrator, mem *memory.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session := orch.GetSession()
	record := store.SessionRecord{
		Session:    session,
		Transcript: orch.GetMessages(),
		SavedAt:    time.Now(),
	}
	if err := st.SaveSession(ctx, record); err != nil {
		logger.Warn("failed to save session", zap.Error(err))
	}
	if err := st.SaveSnapshot(ctx, session.ID, mem.Snapshot()); err != nil {
		logger.Warn("failed to save memory snapshot", zap.Error(err))
	}
}

func printSummary(orch *orchestrator.Orchestrator) {
	session := orch.GetSession()
	status := orch.GetConsensusStatus()

	fmt.Printf("\nSession %s (%s, phase %s)\n", session.ID, session.Status, session.Phase)
	fmt.Printf("  messages:  %d\n", status.TotalMessages)
	fmt.Printf("  consensus: %d points, %d conflicts, ready=%v\n",
		status.ConsensusPoints, status.ConflictPoints, status.Ready)
	for agent, n := range status.Contributions {
		fmt.Printf("  %-12s %d contributions\n", agent, n)
	}
}

// demoProvider scripts a short deliberation so the binary runs without
// a live model behind it.
func demoProvider(cfg *config.Config) llm.Provider {
	p := llm.NewScriptedProvider()
	lines := [][]llm.QueryResult{
		{
			{Content: "I propose we lead with the cost savings angle.", Kind: types.KindProposal},
			{Content: "The cost angle also gives us a concrete number for the headline.", Kind: types.KindArgument},
			{Content: "Agreed, the reliability framing works alongside it.", Kind: types.KindAgreement},
		},
		{
			{Content: "Cost alone undersells it. Reliability matters more to this audience.", Kind: types.KindDisagreement},
			{Content: "I propose we pair the cost number with an uptime guarantee.", Kind: types.KindProposal},
			{Content: "Agreed on combining both angles.", Kind: types.KindAgreement},
		},
	}
	i := 0
	for _, pc := range cfg.Participants {
		if !pc.Enabled {
			continue
		}
		p.Script(pc.ID, lines[i%len(lines)]...)
		i++
	}
	return p
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
