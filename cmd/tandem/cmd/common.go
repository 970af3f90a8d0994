package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tandem-ai/tandem/internal/adapters/state"
	"github.com/tandem-ai/tandem/internal/checkpoint"
	"github.com/tandem-ai/tandem/internal/config"
	"github.com/tandem-ai/tandem/internal/contextmon"
	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/orchestrator"
	"github.com/tandem-ai/tandem/internal/pool"
	"github.com/tandem-ai/tandem/internal/recovery"
	"github.com/tandem-ai/tandem/internal/router"
)

// lastSessionKey records the most recently started session so status and
// checkpoints commands work without an explicit --session flag.
const lastSessionKey = "session:last"

// openStorage builds the configured storage adapter.
func openStorage(cfg *config.Config) (core.StorageAdapter, error) {
	return state.NewStorageAdapter(state.Backend(cfg.Storage.Backend), cfg.Storage.Path)
}

// resolveSession returns the explicit session id, falling back to the last
// recorded one.
func resolveSession(ctx context.Context, storage core.StorageAdapter, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	id, ok, err := storage.GetItem(ctx, lastSessionKey)
	if err != nil {
		return "", fmt.Errorf("reading last session: %w", err)
	}
	if !ok || id == "" {
		return "", fmt.Errorf("no session found: pass --session or start one with 'tandem run'")
	}
	return id, nil
}

// subsystemsFromConfig maps the file configuration onto per-subsystem tuning.
func subsystemsFromConfig(cfg *config.Config) orchestrator.Subsystems {
	bridge := checkpoint.BridgeConfig{}
	if cfg.Checkpoint.AutoCheckpoint {
		bridge = checkpoint.DefaultBridgeConfig()
	}
	return orchestrator.Subsystems{
		Pool: pool.Config{
			MaxConcurrentAgents: cfg.Pool.MaxConcurrentAgents,
			Health: pool.HealthConfig{
				CheckInterval:         cfg.Health.CheckInterval,
				PingTimeout:           cfg.Health.PingTimeout,
				UnresponsiveThreshold: cfg.Health.UnresponsiveThreshold,
				FailureThreshold:      cfg.Health.FailureThreshold,
				RecoveryThreshold:     cfg.Health.RecoveryThreshold,
				AutoRestart:           cfg.Health.AutoRestart,
				MaxRestartAttempts:    cfg.Health.MaxRestartAttempts,
				RestartCooldown:       cfg.Health.RestartCooldown,
			},
		},
		Router: router.Config{
			MaxQueueSize:            cfg.Router.MaxQueueSize,
			QueueProcessingInterval: cfg.Router.QueueProcessingInterval,
			MaxRetryCount:           cfg.Router.MaxRetryCount,
			DefaultRequestTimeout:   cfg.Router.DefaultRequestTimeout,
			MessageLogSize:          cfg.Router.MessageLogSize,
		},
		Recovery: recovery.Config{
			Enabled:                   cfg.Recovery.Enabled,
			EnableFallbacks:           cfg.Recovery.EnableFallbacks,
			EnableGracefulDegradation: cfg.Recovery.EnableGracefulDegradation,
			MaxErrorHistory:           cfg.Recovery.MaxErrorHistory,
			MaxConcurrentAgents:       cfg.Pool.MaxConcurrentAgents,
			Breaker: recovery.BreakerConfig{
				FailureThreshold: cfg.Recovery.BreakerFailureThreshold,
				FailureWindow:    cfg.Recovery.BreakerFailureWindow,
				ResetTimeout:     cfg.Recovery.BreakerResetTimeout,
				SuccessThreshold: cfg.Recovery.BreakerSuccessThreshold,
			},
		},
		Checkpoint: checkpoint.Config{
			MaxCheckpointsPerSession: cfg.Checkpoint.MaxPerSession,
			DefaultExpiry:            cfg.Checkpoint.DefaultExpiry,
		},
		Bridge: bridge,
		Context: contextmon.Config{
			MaxTokens:         cfg.Context.MaxTokens,
			WarningThreshold:  cfg.Context.WarningThreshold,
			HighThreshold:     cfg.Context.HighThreshold,
			CriticalThreshold: cfg.Context.CriticalThreshold,
		},
	}
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
