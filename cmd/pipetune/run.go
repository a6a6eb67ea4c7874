package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pipetune/pipetune/internal/store"
	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/session"
	"github.com/pipetune/pipetune/internal/tuning/space"
)

var (
	runSessionID   string
	runSpacePath   string
	runIterations  int
	runSeed        int64
	runInteractive bool
	runDataDir     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a tuning session against the built-in demo pipeline",
	Long: `Drives a full tuning session in-process. The demo pipeline simulates an
object-size measurement whose deviation depends on the configuration, and
the automated evaluator scores each run by that deviation.

With --interactive you are asked to rate each round from the terminal:
enter a value in [0,1], 'r' to reject the configuration, or press enter
to skip and let the automated score stand alone.`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "demo", "Session identifier")
	runCmd.Flags().StringVar(&runSpacePath, "space", "", "JSON file with parameter specs (default: demo space)")
	runCmd.Flags().IntVar(&runIterations, "iters", 0, "Max iterations (0 = configured default)")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Random seed (0 = time-derived)")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", false, "Ask for a manual rating each round")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Snapshot directory (default: configured store dir)")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	sp, err := loadSpace(runSpacePath)
	if err != nil {
		return err
	}

	sessionCfg := cfg.SessionConfig()
	if runIterations > 0 {
		sessionCfg.MaxIterations = runIterations
	}
	if runSeed != 0 {
		sessionCfg.Seed = runSeed
	}

	s, err := session.New(runSessionID, sp, sessionCfg, logger)
	if err != nil {
		return err
	}

	return driveSession(s)
}

// loadSpace reads parameter specs from a JSON file, or returns the demo
// space covering the three common parameter kinds.
func loadSpace(path string) (*space.Space, error) {
	if path == "" {
		return space.New([]space.ParameterSpec{
			{Name: "threshold", Kind: space.Continuous, Min: 0.05, Max: 0.95, Default: 0.5},
			{Name: "smoothing_window", Kind: space.Integer, Min: 3, Max: 21, Default: 7},
			{Name: "method", Kind: space.Categorical, Levels: []string{"otsu", "adaptive", "fixed"}, Default: 0},
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read space file: %w", err)
	}
	var specs []space.ParameterSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse space file: %w", err)
	}
	return space.New(specs)
}

// driveSession runs the loop to completion, persisting a snapshot when it
// stops for any reason.
func driveSession(s *session.Session) error {
	dataDir := runDataDir
	if dataDir == "" {
		dataDir = cfg.Store.DataDir
	}
	st, err := store.NewFSStore(dataDir, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var manual tuning.ManualEvaluator
	if runInteractive {
		manual = &stdinRater{in: bufio.NewScanner(os.Stdin)}
	}

	runErr := s.Run(ctx, &demoRunner{}, &demoScorer{}, manual)

	if err := st.Save(s.Snapshot()); err != nil {
		logger.Error("failed to save snapshot", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if best, objective, ok := s.Best(); ok {
		fmt.Printf("Session %s finished after %d iterations (state: %s)\n",
			s.ID(), s.Iteration(), s.State())
		fmt.Printf("Best objective %.4f with configuration:\n", objective)
		for name, value := range best {
			fmt.Printf("  %s = %g\n", name, value)
		}
	} else {
		fmt.Printf("Session %s produced no observations (state: %s)\n", s.ID(), s.State())
	}
	return nil
}

// demoRunner simulates the measurement pipeline. The deviation metric has
// a single optimum inside the domain, so the loop has something to find.
type demoRunner struct{}

func (demoRunner) Run(_ context.Context, cfg tuning.Configuration) (*tuning.PipelineResult, error) {
	deviation := 0.0
	if t, ok := cfg["threshold"]; ok {
		deviation += math.Abs(t - 0.35)
	}
	if w, ok := cfg["smoothing_window"]; ok {
		deviation += 0.02 * math.Abs(w-9)
	}
	if m, ok := cfg["method"]; ok {
		deviation += 0.05 * m
	}
	return &tuning.PipelineResult{
		Metrics: map[string]float64{"deviation": deviation},
	}, nil
}

// demoScorer maps the deviation metric into a [0,1] score, higher better.
type demoScorer struct{}

func (demoScorer) Score(_ context.Context, res *tuning.PipelineResult) (tuning.Signal, error) {
	deviation, ok := res.Metrics["deviation"]
	if !ok {
		return tuning.Absent(), nil
	}
	return tuning.Automated(math.Max(0, 1-deviation)), nil
}

// stdinRater asks the operator for a rating on the terminal.
type stdinRater struct {
	in *bufio.Scanner
}

func (r *stdinRater) Rate(_ context.Context, res *tuning.PipelineResult) (tuning.Signal, error) {
	fmt.Printf("pipeline metrics: %v\n", res.Metrics)
	fmt.Print("rate result [0-1], 'r' to reject, enter to skip: ")

	if !r.in.Scan() {
		return tuning.Absent(), nil
	}
	text := strings.TrimSpace(r.in.Text())
	switch text {
	case "":
		return tuning.Absent(), nil
	case "r", "R":
		return tuning.Rejected(), nil
	}

	score, err := strconv.ParseFloat(text, 64)
	if err != nil || score < 0 || score > 1 {
		fmt.Println("unrecognized rating, skipping")
		return tuning.Absent(), nil
	}
	return tuning.Manual(score), nil
}
