package trainer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/internal/metrics"
	"github.com/vjranagit/modelvault/pkg/types"
)

// Environment handed to the training command
const (
	EnvOutputDir = "MODELVAULT_OUTPUT_DIR"
	EnvFamily    = "MODELVAULT_FAMILY"
)

// ScoreFile is the file in the output directory holding the score as a
// decimal number. It is not part of the artifact set.
const ScoreFile = "score"

// outputTail is how much command output is kept for error messages
const outputTail = 2048

const waitDelay = 2 * time.Second

// CommandTrainer runs an external program that writes its artifacts into
// $MODELVAULT_OUTPUT_DIR and its score into $MODELVAULT_OUTPUT_DIR/score.
type CommandTrainer struct {
	Family  string
	Command string
	Args    []string
	WorkDir string

	// Timeout bounds one run; zero means only the caller's context applies
	Timeout time.Duration

	// Env is appended to the process environment
	Env []string
}

// Train implements Trainer
func (c *CommandTrainer) Train(ctx context.Context) (types.ArtifactSet, float64, error) {
	if c.Command == "" {
		return types.ArtifactSet{}, 0, fmt.Errorf("%w: no command configured for %s", ErrTrainingFailure, c.Family)
	}

	outDir, err := os.MkdirTemp("", "modelvault-train-*")
	if err != nil {
		return types.ArtifactSet{}, 0, fmt.Errorf("%w: create output directory: %w", ErrTrainingFailure, err)
	}
	defer os.RemoveAll(outDir)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.WorkDir
	cmd.Env = append(os.Environ(), EnvOutputDir+"="+outDir, EnvFamily+"="+c.Family)
	cmd.Env = append(cmd.Env, c.Env...)
	// Grandchildren may hold the output pipe open after a kill.
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	log := logging.With().Str("component", "trainer").Str("family", c.Family).Logger()
	log.Info().Str("command", c.Command).Strs("args", c.Args).Msg("Starting trainer")

	start := time.Now()
	runErr := cmd.Run()
	metrics.TrainingDuration.WithLabelValues(c.Family).Observe(time.Since(start).Seconds())

	if runErr != nil {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%w (%w)", runErr, ctx.Err())
		}
		return types.ArtifactSet{}, 0, fmt.Errorf("%w: %s: %w: %s", ErrTrainingFailure, c.Family, runErr, tail(output.Bytes()))
	}
	log.Debug().Str("output", tail(output.Bytes())).Dur("elapsed", time.Since(start)).Msg("Trainer finished")

	score, err := readScore(filepath.Join(outDir, ScoreFile))
	if err != nil {
		return types.ArtifactSet{}, 0, fmt.Errorf("%w: %s: %w", ErrTrainingFailure, c.Family, err)
	}

	set, err := collectArtifacts(outDir)
	if err != nil {
		return types.ArtifactSet{}, 0, fmt.Errorf("%w: %s: %w", ErrTrainingFailure, c.Family, err)
	}
	return set, score, nil
}

func readScore(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read score: %w", err)
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse score: %w", err)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("score %v is not a finite number", score)
	}
	return score, nil
}

// collectArtifacts reads the regular files of dir, except the score file
func collectArtifacts(dir string) (types.ArtifactSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return types.ArtifactSet{}, err
	}

	var files []types.Artifact
	for _, entry := range entries {
		if entry.Name() == ScoreFile {
			continue
		}
		if !entry.Type().IsRegular() {
			logging.Warn().Str("entry", entry.Name()).Msg("Ignoring non-regular trainer output")
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return types.ArtifactSet{}, err
		}
		files = append(files, types.Artifact{Name: entry.Name(), Data: data})
	}
	if len(files) == 0 {
		return types.ArtifactSet{}, fmt.Errorf("trainer produced no artifacts")
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return types.NewArtifactSet(files...)
}

func tail(b []byte) string {
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return strings.TrimSpace(string(b))
}
