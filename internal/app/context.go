package app

import (
	"context"
	"errors"
	"fmt"

	"workreport/internal/config"
	"workreport/internal/repo"
)

// ResolveConfig returns the effective report config. An explicit config file
// wins, then workreport.yml in the workspace, then the config stored in the
// database. With none of them the defaults are seeded into the database.
func ResolveConfig(ctx context.Context, workspace, configPath string, r repo.Repo) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg != nil {
		return cfg, nil
	}
	cfg, err = r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("stored config: %w", err)
	}
	seed := config.Default()
	if err := r.PutConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

// ApplyAPIKey fills the LLM API key from the environment variable the config names.
func ApplyAPIKey(cfg *config.Config, getenv func(string) string) {
	if cfg.LLM.APIKey != "" || cfg.LLM.APIKeyEnv == "" {
		return
	}
	cfg.LLM.APIKey = getenv(cfg.LLM.APIKeyEnv)
}
