package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/internal/adapters/state"
	"github.com/tandem-ai/tandem/internal/checkpoint"
	"github.com/tandem-ai/tandem/internal/core"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage workflow checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints for a session",
	RunE:  runCheckpointsList,
}

var checkpointsDeleteCmd = &cobra.Command{
	Use:   "delete <checkpoint-id>",
	Short: "Delete a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsDelete,
}

var checkpointsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old checkpoints",
	RunE:  runCheckpointsCleanup,
}

var (
	checkpointsSession   string
	checkpointsJSON      bool
	checkpointsOlderThan time.Duration
	checkpointsDryRun    bool
)

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsDeleteCmd)
	checkpointsCmd.AddCommand(checkpointsCleanupCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointsSession, "session", "",
		"Session ID (default: last started)")
	checkpointsListCmd.Flags().BoolVar(&checkpointsJSON, "json", false, "Output as JSON")
	checkpointsCleanupCmd.Flags().DurationVar(&checkpointsOlderThan, "older-than", 24*time.Hour,
		"Remove checkpoints older than this")
	checkpointsCleanupCmd.Flags().BoolVar(&checkpointsDryRun, "dry-run", false,
		"Report what would be removed without deleting")
}

// checkpointService opens the storage-backed checkpoint service for one-shot
// CLI use. No event bus: nothing is listening.
func checkpointService(ctx context.Context) (*checkpoint.Service, core.StorageAdapter, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening storage: %w", err)
	}
	sessionID, err := resolveSession(ctx, storage, checkpointsSession)
	if err != nil {
		_ = state.CloseAdapter(storage)
		return nil, nil, "", err
	}
	svc, err := checkpoint.NewService(checkpoint.Config{
		MaxCheckpointsPerSession: cfg.Checkpoint.MaxPerSession,
		DefaultExpiry:            cfg.Checkpoint.DefaultExpiry,
	}, storage, nil, newLogger(cfg))
	if err != nil {
		_ = state.CloseAdapter(storage)
		return nil, nil, "", err
	}
	return svc, storage, sessionID, nil
}

func runCheckpointsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, storage, sessionID, err := checkpointService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = state.CloseAdapter(storage) }()

	cps, err := svc.List(ctx, checkpoint.ListOptions{SessionID: sessionID})
	if err != nil {
		return err
	}
	if checkpointsJSON {
		return outputJSON(cps)
	}
	if len(cps) == 0 {
		fmt.Printf("No checkpoints for session %s\n", sessionID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tSTATUS\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----\t------\t-------")
	for _, cp := range cps {
		name := cp.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			cp.ID, name, cp.Workflow.State, cp.Status,
			cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runCheckpointsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, storage, _, err := checkpointService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = state.CloseAdapter(storage) }()

	if err := svc.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted checkpoint %s\n", args[0])
	return nil
}

func runCheckpointsCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, storage, sessionID, err := checkpointService(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = state.CloseAdapter(storage) }()

	result, err := svc.Cleanup(ctx, sessionID, checkpoint.CleanupOptions{
		OlderThan: checkpointsOlderThan,
		DryRun:    checkpointsDryRun,
	})
	if err != nil {
		return err
	}
	verb := "Removed"
	if result.DryRun {
		verb = "Would remove"
	}
	fmt.Printf("%s %d of %d checkpoints\n", verb, result.Removed, result.Examined)
	return nil
}
