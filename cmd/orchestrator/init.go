package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/featureforge/orchestrator/internal/config"
	"github.com/featureforge/orchestrator/internal/store"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize an orchestrator project",
	Long: `Initialize a directory for use with the orchestrator.

Creates the .orchestrator directory (holding the sqlite state file and run
logs) and a starter .orchestrator.yaml project config, if neither already
exists.

The directory argument is optional and defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Recreate project files even if already initialized")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing orchestrator project in %s...\n\n", absPath)

	orchestratorDir := filepath.Join(absPath, ".orchestrator")
	if _, err := os.Stat(orchestratorDir); err == nil && !initForce {
		color.Yellow("Already initialized. Use --force to recreate project files.")
		return nil
	}

	if err := os.MkdirAll(filepath.Join(orchestratorDir, "logs"), 0755); err != nil {
		return fmt.Errorf("creating .orchestrator directory: %w", err)
	}
	fmt.Println("  created .orchestrator/")

	db, err := store.OpenProject(absPath)
	if err != nil {
		return fmt.Errorf("creating state database: %w", err)
	}
	defer db.Close()
	fmt.Printf("  created %s\n", store.ProjectDBPath(absPath))

	projectConfigPath := filepath.Join(absPath, ".orchestrator.yaml")
	if _, err := os.Stat(projectConfigPath); os.IsNotExist(err) || initForce {
		if err := config.SaveToPath(config.Default(), projectConfigPath); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Println("  created .orchestrator.yaml")
	}

	color.Green("\nDone. Run 'orchestrator run' to start the scheduler loop.")
	return nil
}
