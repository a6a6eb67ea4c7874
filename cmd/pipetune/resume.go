package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipetune/pipetune/internal/store"
	"github.com/pipetune/pipetune/internal/tuning/session"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a persisted tuning session",
	Long: `Loads the snapshot for the given session and keeps optimizing against
the built-in demo pipeline. The surrogate is refit from the persisted
observation log; no model state is stored on disk.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().IntVar(&runIterations, "iters", 0, "Max iterations (0 = configured default)")
	resumeCmd.Flags().BoolVar(&runInteractive, "interactive", false, "Ask for a manual rating each round")
	resumeCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Snapshot directory (default: configured store dir)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	dataDir := runDataDir
	if dataDir == "" {
		dataDir = cfg.Store.DataDir
	}
	st, err := store.NewFSStore(dataDir, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	snap, err := st.Load(args[0])
	if err != nil {
		return err
	}

	sessionCfg := cfg.SessionConfig()
	if runIterations > 0 {
		sessionCfg.MaxIterations = runIterations
	}

	s, err := session.Restore(snap, sessionCfg, logger)
	if err != nil {
		return err
	}
	if s.State().Terminal() {
		return fmt.Errorf("session %s already finished (state: %s)", s.ID(), s.State())
	}

	fmt.Printf("Resuming session %s at iteration %d\n", s.ID(), s.Iteration())
	return driveSession(s)
}
