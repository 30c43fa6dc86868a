package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/featureforge/orchestrator/internal/store"
	"github.com/featureforge/orchestrator/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-dir]",
	Short: "Show the current queue state",
	Long: `Display the current state of the feature queue: how many features are
passing, running, or pending, and which pending features are blocked on
an unfinished dependency.

The project-dir argument is optional and defaults to the current
directory.

Quarantine state lives only in a running Scheduler Loop's memory, so a
feature's prior quarantine is not shown here once 'orchestrator run' has
exited; the next run starts with every feature unquarantined and its
failure count at zero.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	repoPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}

	dbPath := store.ProjectDBPath(repoPath)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Not initialized. Run 'orchestrator init' to start.")
		return nil
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh store: %w", err)
	}
	snap, err := db.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}

	if len(snap.Features) == 0 {
		fmt.Println("Queue is empty. Run 'orchestrator run' to bootstrap it.")
		return nil
	}

	var passing, running, pending, blocked int
	for i := range snap.Features {
		f := &snap.Features[i]
		switch {
		case f.Passes:
			passing++
		case f.Running:
			running++
		case snap.Ready(f):
			pending++
		default:
			blocked++
		}
	}

	fmt.Printf("%d features: %s, %s, %d ready, %s\n",
		len(snap.Features),
		color.GreenString("%d passing", passing),
		color.CyanString("%d running", running),
		pending,
		color.YellowString("%d blocked", blocked))

	features := make([]models.Feature, len(snap.Features))
	copy(features, snap.Features)
	sort.Slice(features, func(i, j int) bool {
		if features[i].Priority != features[j].Priority {
			return features[i].Priority < features[j].Priority
		}
		return features[i].ID < features[j].ID
	})

	fmt.Println()
	for _, f := range features {
		state := "blocked"
		switch {
		case f.Passes:
			state = "pass"
		case f.Running:
			state = "running"
		case snap.Ready(&f):
			state = "ready"
		}
		fmt.Printf("  [%-7s] #%-4d p%-2d %s\n", state, f.ID, f.Priority, f.Name)
	}

	return nil
}
