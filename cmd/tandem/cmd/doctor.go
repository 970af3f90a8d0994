package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/internal/adapters/state"
	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/logging"
	"github.com/tandem-ai/tandem/internal/roles"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system dependencies and configuration",
	Long:  "Verify that the agent worker, storage backend, and role catalogue are usable.",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}

	allOk := true

	fmt.Println("Checking dependencies...")
	fmt.Println()

	// Multi-word commands keep only the executable ("npx tandem-worker").
	worker := strings.Fields(cfg.Runtime.Command)
	if len(worker) == 0 || !commandExists(worker[0]) {
		fmt.Printf("  ✗ agent worker (%s) not found in PATH\n", cfg.Runtime.Command)
		allOk = false
	} else {
		fmt.Printf("  ✓ agent worker (%s)\n", worker[0])
	}

	for _, tool := range []string{"git", "gh"} {
		if commandExists(tool) {
			fmt.Printf("  ✓ %s\n", tool)
		} else {
			fmt.Printf("  ○ %s (optional)\n", tool)
		}
	}

	fmt.Println()
	fmt.Println("Checking storage backend...")
	fmt.Println()

	if err := probeStorage(cmd.Context(), cfg.Storage.Backend, cfg.Storage.Path); err != nil {
		fmt.Printf("  ✗ %s backend at %s: %v\n", cfg.Storage.Backend, cfg.Storage.Path, err)
		allOk = false
	} else {
		fmt.Printf("  ✓ %s backend at %s\n", cfg.Storage.Backend, cfg.Storage.Path)
	}

	fmt.Println()
	fmt.Println("Checking role catalogue...")
	fmt.Println()

	if issues := checkRoles(cfg.Roles.CataloguePath); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Printf("  ✗ %s\n", issue)
		}
		allOk = false
	} else {
		fmt.Println("  ✓ all builtin roles resolve to a provider profile")
	}

	fmt.Println()
	if !allOk {
		return fmt.Errorf("dependency check failed")
	}
	fmt.Println("All checks passed")
	return nil
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// probeStorage opens the configured backend and round-trips a probe key.
func probeStorage(ctx context.Context, backend, path string) error {
	adapter, err := state.NewStorageAdapter(state.Backend(backend), path)
	if err != nil {
		return err
	}
	defer func() { _ = state.CloseAdapter(adapter) }()

	const probeKey = "doctor:probe"
	if err := adapter.SetItem(ctx, probeKey, "ok"); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, _, err := adapter.GetItem(ctx, probeKey); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return adapter.RemoveItem(ctx, probeKey)
}

// checkRoles loads the catalogue and verifies every builtin role maps to a
// provider profile.
func checkRoles(cataloguePath string) []string {
	var issues []string

	registry, err := roles.NewRegistry(cataloguePath, logging.NewNop())
	if err != nil {
		return []string{fmt.Sprintf("cannot load role catalogue: %v", err)}
	}
	defer registry.Close()

	for _, role := range core.BuiltinRoles() {
		profile, err := registry.GetProviderProfileForRole(role)
		if err != nil {
			issues = append(issues, fmt.Sprintf("role %s: %v", role, err))
			continue
		}
		if profile.Provider == "" {
			issues = append(issues, fmt.Sprintf("role %s: empty provider", role))
		}
	}
	return issues
}
