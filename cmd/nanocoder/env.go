package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nanocoder-ai/nanocoder/internal/checkpoint"
	"github.com/nanocoder-ai/nanocoder/internal/config"
)

// runtimeEnv bundles everything the REPL needs resolved at startup.
type runtimeEnv struct {
	Root        string
	Config      *config.Config
	Checkpoints *checkpoint.Store
}

func (r *runtimeEnv) Close() {
	if r.Checkpoints != nil {
		_ = r.Checkpoints.Close()
	}
}

func prepareRuntimeEnv(ctx context.Context, rootFlag string) (*runtimeEnv, error) {
	root := rootFlag
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if info, err := os.Stat(absRoot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace path is not a valid directory: %s", absRoot)
	}

	manager, err := config.NewManager()
	if err != nil {
		return nil, err
	}
	cfg, err := manager.Load()
	if err != nil {
		log.Printf("failed to load user config: %v (using defaults)", err)
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config at %s: %w", manager.GetConfigPath(), err)
	}
	applyConfigToEnv(cfg)

	dataDir, err := manager.DataDir()
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(ctx, filepath.Join(dataDir, "checkpoints.db"))
	if err != nil {
		log.Printf("checkpoints unavailable: %v", err)
		store = nil
	}

	return &runtimeEnv{
		Root:        absRoot,
		Config:      cfg,
		Checkpoints: store,
	}, nil
}

// applyConfigToEnv projects config.json onto the environment variables
// the provider factory reads, so saved preferences win over stale shell
// state.
func applyConfigToEnv(cfg *config.Config) {
	if cfg.LLMProvider != "" {
		os.Setenv("LLM_PROVIDER", cfg.LLMProvider)
	}
	if cfg.Model == "" {
		return
	}
	switch cfg.LLMProvider {
	case "anthropic":
		os.Setenv("ANTHROPIC_MODEL", cfg.Model)
	case "", "openai":
		os.Setenv("OPENAI_MODEL", cfg.Model)
		if cfg.BaseURL != "" {
			os.Setenv("OPENAI_BASE_URL", cfg.BaseURL)
		}
	}
}
