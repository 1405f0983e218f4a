package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nanoagent/internal/channels/local"
	"nanoagent/internal/channels/telegram"
	"nanoagent/internal/config"
	"nanoagent/internal/coordinator"
	"nanoagent/internal/llm"
	"nanoagent/internal/logging"
	"nanoagent/internal/router"
	"nanoagent/internal/scheduler"
	"nanoagent/internal/store"
	"nanoagent/internal/tools/toolset"
	"nanoagent/internal/types"
	"nanoagent/internal/worker"
	"nanoagent/internal/workspace"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// llmDefaults are the backend settings used for keys missing from the store.
func llmDefaults(cfg *config.Config) llm.Settings {
	return llm.Settings{
		Provider:  llm.Provider(cfg.LLM.Provider),
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.GetLLMTimeout(),
	}
}

func (a *app) runAgent(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	defer logging.CloseAll()
	logging.Boot("Starting agent %s (data dir %s)", version, cfg.DataDir)

	st, err := store.NewLocalStore(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.SeedConfig(cfg.BackendSettings()); err != nil {
		return err
	}

	ws := workspace.New(cfg.WorkspaceDir())
	registry, err := toolset.Build(toolset.Deps{
		Workspace:     ws,
		BashTimeout:   cfg.GetBashTimeout(),
		FetchMaxChars: cfg.Tools.FetchMaxBytes,
	})
	if err != nil {
		return err
	}

	w := worker.New(registry, worker.Options{})

	localCh := local.New(localSender())
	var bot router.Channel
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(telegram.Options{
			Token:        cfg.Telegram.Token,
			AllowedChats: cfg.Telegram.AllowedChats,
			PollTimeout:  time.Duration(cfg.Telegram.PollTimeout) * time.Second,
		})
		if err != nil {
			return err
		}
		bot = tg
	}
	rt := router.New(localCh, bot)

	coord := coordinator.New(coordinator.Deps{
		Store:  st,
		Memory: ws,
		Router: rt,
		Worker: w,
		Tools:  registry,
	}, coordinator.Options{
		AssistantName: cfg.AssistantName,
		ContextWindow: cfg.Agent.ContextWindow,
		Defaults:      llmDefaults(cfg),
	})
	if !cfg.IsConfigured() {
		logging.Boot("No API key configured; messages will be rejected until one is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st, coord.EnqueueScheduled, scheduler.Options{Interval: cfg.GetSchedulerInterval()})
		g.Go(func() error { return sched.Run(gctx) })
	}

	watcher, err := config.NewWatcher(a.configPath, func(c *config.Config) {
		if err := st.SeedConfig(c.BackendSettings()); err != nil {
			logging.Get(logging.CategoryConfig).Error("Failed to apply reloaded config: %v", err)
			return
		}
		logging.Config("Backend settings reloaded from %s", a.configPath)
	})
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("Config hot reload disabled: %v", err)
	} else {
		if err := watcher.Start(gctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	handler := func(msg types.InboundMessage) {
		if err := coord.Enqueue(msg); err != nil {
			logging.Get(logging.CategoryChannels).Warn("Dropped message %s: %v", msg.ID, err)
		}
	}
	for _, ch := range rt.Channels() {
		if err := ch.Start(gctx, handler); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	name := coord.AssistantName()
	if a.headless {
		g.Go(func() error {
			defer stop()
			err := local.RunLineMode(gctx, localCh, cmd.InOrStdin(), cmd.OutOrStdout(), name)
			if err == nil && bot != nil {
				// Keep serving the bot after stdin closes.
				<-gctx.Done()
			}
			return err
		})
	} else {
		events, unsubscribe := coord.Subscribe(256)
		defer unsubscribe()
		g.Go(func() error {
			defer stop()
			return local.RunTUI(gctx, localCh, name, events)
		})
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, ch := range rt.Channels() {
		if stopErr := ch.Stop(shutdownCtx); stopErr != nil {
			logging.Get(logging.CategoryChannels).Warn("Stopping %s: %v", ch.Name(), stopErr)
		}
	}
	logging.Boot("Agent stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func localSender() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "user"
}
