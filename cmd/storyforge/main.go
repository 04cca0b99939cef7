package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mkarel/storyforge/internal/api"
	"github.com/mkarel/storyforge/internal/config"
	"github.com/mkarel/storyforge/internal/engine"
	"github.com/mkarel/storyforge/internal/llm"
	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/runner"
	"github.com/mkarel/storyforge/internal/store"
	"github.com/mkarel/storyforge/internal/task"
	"github.com/mkarel/storyforge/internal/workflow"
)

func main() {
	// Local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("storyforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine_url", cfg.EngineURL,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	templates, err := workflow.Load(cfg.WorkflowsDir)
	if err != nil {
		log.Fatalf("failed to load workflow templates: %v", err)
	}
	logger.Info("workflow templates loaded", "count", len(templates))

	engineClient := engine.NewClient(cfg.EngineURL, cfg.EngineWSURL)
	artifacts := runner.NewArtifactStore(cfg.OutputDir)
	llmClient := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)

	registry := runner.NewRegistry()
	gen := runner.NewGeneration(engineClient, templates, artifacts, logger)
	for _, kind := range []string{
		model.KindGenBase,
		model.KindGenViews,
		model.KindGenSceneBase,
		model.KindGenSceneMerge,
		model.KindGenVideo,
	} {
		registry.Register(kind, gen)
	}
	prompt := runner.NewPrompt(llmClient)
	registry.Register(model.KindGenPrompt, prompt)
	registry.Register(model.KindGenScenePrompt, prompt)

	manager := task.NewManager(db, registry, logger, cfg.Workers, cfg.PollInterval)
	if err := manager.Recover(context.Background()); err != nil {
		log.Fatalf("failed to recover stale tasks: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)

	srv := api.NewServer(cfg.ListenAddr, db, manager, registry, cfg.OutputDir, logger)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight tasks commit their terminal states before exiting.
	manager.Wait()
	logger.Info("storyforge: stopped")
}
