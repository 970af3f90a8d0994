package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/internal/adapters/state"
	"github.com/tandem-ai/tandem/internal/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow status",
	Long:  "Display the persisted state of a workflow session, including its transition history.",
	RunE:  runStatus,
}

var (
	statusSession string
	statusJSON    bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusSession, "session", "", "Session ID (default: last started)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = state.CloseAdapter(storage) }()

	ctx := cmd.Context()
	sessionID, err := resolveSession(ctx, storage, statusSession)
	if err != nil {
		return err
	}

	value, ok, err := storage.GetItem(ctx, "workflow_state:"+sessionID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("No workflow state for session %s\n", sessionID)
		return nil
	}

	var snap workflow.Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		return fmt.Errorf("corrupt workflow snapshot: %w", err)
	}

	if statusJSON {
		return outputJSON(snap)
	}

	fmt.Printf("Session: %s\n", snap.SessionID)
	fmt.Printf("State: %s\n", snap.State)
	if snap.Context.UserTask != "" {
		fmt.Printf("Task: %s\n", snap.Context.UserTask)
	}
	if snap.Context.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", snap.Context.ErrorMessage)
	}
	fmt.Printf("Saved: %s\n", snap.SavedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tTRIGGER\tAT")
	fmt.Fprintln(w, "-----\t-------\t--")
	for _, entry := range snap.History {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			entry.State, entry.Trigger, entry.Timestamp.Format("15:04:05"))
	}
	return w.Flush()
}
