package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	agentruntime "github.com/tandem-ai/tandem/internal/adapters/runtime"
	"github.com/tandem-ai/tandem/internal/adapters/state"
	"github.com/tandem-ai/tandem/internal/artifacts"
	"github.com/tandem-ai/tandem/internal/diagnostics"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/locks"
	"github.com/tandem-ai/tandem/internal/orchestrator"
	"github.com/tandem-ai/tandem/internal/roles"
	"github.com/tandem-ai/tandem/internal/web"
	"github.com/tandem-ai/tandem/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a task through the agent workflow",
	Long: `Start a workflow session for the given task. The task can be provided
as an argument or via --file. The command blocks until the workflow
completes, errors, or is interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkflow,
}

var (
	runFile        string
	runSession     string
	runResume      bool
	runAutoApprove bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Read task from file")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session ID (default: generated)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume the last persisted session")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Spawn agents with auto-approval")
}

func runWorkflow(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = state.CloseAdapter(storage) }()

	sessionID := runSession
	if runResume && sessionID == "" {
		sessionID, err = resolveSession(ctx, storage, "")
		if err != nil {
			return err
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var task string
	if !runResume {
		task, err = getTask(args, runFile)
		if err != nil {
			return err
		}
	}

	rt := agentruntime.New(agentruntime.Config{
		Command:     cfg.Runtime.Command,
		GracePeriod: cfg.Runtime.GracePeriod,
	}, agentruntime.WithLogger(logger.Named("runtime")))
	defer func() { _ = rt.Close() }()

	registry, err := roles.NewRegistry(cfg.Roles.CataloguePath, logger.Named("roles"))
	if err != nil {
		return fmt.Errorf("loading role catalogue: %w", err)
	}
	defer registry.Close()

	orch, err := orchestrator.New(sessionID,
		orchestrator.Config{
			Workspace:   cfg.Pool.Workspace,
			TaskTimeout: cfg.Workflow.TaskTimeout,
			AutoApprove: runAutoApprove,
		},
		subsystemsFromConfig(cfg),
		orchestrator.Collaborators{
			Runtime:   rt,
			Storage:   storage,
			Locks:     locks.NewService(logger.Named("locks")),
			Artifacts: artifacts.NewStore(),
			Roles:     registry,
		},
		orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}
	defer orch.Dispose(context.Background())

	if err := storage.SetItem(ctx, lastSessionKey, sessionID); err != nil {
		logger.Warn("recording session id failed", "error", err)
	}

	if cfg.Web.Enabled {
		srv := web.New(web.Config{Addr: cfg.Web.Addr}, orch, logger.Named("web"))
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() { _ = srv.Shutdown(context.Background()) }()
		fmt.Printf("Status API: http://%s/api/v1/status\n", srv.Addr())
	}

	if cfg.Diagnostics.Enabled {
		mon := diagnostics.New(diagnostics.Config{
			SampleInterval:  cfg.Diagnostics.SampleInterval,
			MemoryThreshold: cfg.Diagnostics.MemoryThreshold,
			CPUThreshold:    cfg.Diagnostics.CPUThreshold,
		}, orch.Recovery(), diagnostics.WithLogger(logger.Named("diagnostics")))
		mon.Start()
		defer mon.Stop()
	}

	sub := orch.Bus().Subscribe(events.TypeStateChange, events.TypeUserNotification)
	defer orch.Bus().Unsubscribe(sub)

	if runResume {
		if err := orch.Machine().Restore(ctx); err != nil {
			return fmt.Errorf("restoring session %s: %w", sessionID, err)
		}
		if orch.Machine().GetState() == workflow.StatePaused {
			if err := orch.Resume(ctx); err != nil {
				return err
			}
		}
		fmt.Printf("Resumed session %s in %s\n", sessionID, orch.Machine().GetState())
	} else {
		if err := orch.StartTask(ctx, task); err != nil {
			return err
		}
		fmt.Printf("Session %s started\n", sessionID)
	}

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			fmt.Println("\nReceived interrupt, stopping...")
			if err := orch.Pause(ctx); err != nil {
				logger.Warn("pausing on interrupt failed", "error", err)
			}
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case events.StateChangeEvent:
				fmt.Printf("  %s -> %s\n", e.PreviousState, e.NewState)
				st := workflow.State(e.NewState)
				if st.IsTerminal() || st == workflow.StateError {
					return printOutcome(orch)
				}
			case events.UserNotificationEvent:
				fmt.Printf("  [%s] %s: %s\n", e.Severity, e.Title, e.Message)
			}
		}
	}
}

func printOutcome(orch *orchestrator.Orchestrator) error {
	status := orch.Status()
	fmt.Println()
	fmt.Printf("Final state: %s (%d%%)\n", status.State, status.Progress)
	fmt.Printf("Artifacts: %d, errors handled: %d\n",
		len(orch.Machine().GetContext().ArtifactIDs), status.Recovery.TotalErrors)
	if status.State == workflow.StateError {
		return fmt.Errorf("workflow ended in error: %s", orch.Machine().GetContext().ErrorMessage)
	}
	return nil
}

func getTask(args []string, file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading task file: %w", err)
		}
		return string(data), nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	return "", fmt.Errorf("task required: provide as argument or use --file")
}
