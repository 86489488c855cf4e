package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/storage"
)

const gitLockPoll = 50 * time.Millisecond

// GitPublisher commits the given paths in a working copy and pushes them.
// Publishes against one repository are serialized, within the process by a
// mutex and across processes by a lock file inside the git directory, and
// each commit contains only the paths it was given.
type GitPublisher struct {
	RepoDir string
	Remote  string
	Branch  string

	// Pull rebases onto the remote before committing
	Pull bool
	Push bool

	AuthorName  string
	AuthorEmail string

	// Timeout bounds each git invocation
	Timeout time.Duration

	mu sync.Mutex
}

// Publish implements Publisher
func (g *GitPublisher) Publish(ctx context.Context, paths []string, message string) error {
	if g.RepoDir == "" {
		return fmt.Errorf("%w: git repository not configured", ErrPublishFailure)
	}
	if len(paths) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	lock, err := g.lock(ctx)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	remote := g.Remote
	if remote == "" {
		remote = "origin"
	}

	if g.Pull {
		args := []string{"pull", "--rebase", remote}
		if g.Branch != "" {
			args = append(args, g.Branch)
		}
		if _, err := g.git(ctx, args...); err != nil {
			return err
		}
	}

	rel := make([]string, 0, len(paths))
	for _, p := range paths {
		r, err := g.relative(p)
		if err != nil {
			return err
		}
		rel = append(rel, r)
	}
	if _, err := g.git(ctx, append([]string{"add", "-A", "--"}, rel...)...); err != nil {
		return err
	}

	// Exit status 1 means something is staged under rel.
	if _, err := g.git(ctx, append([]string{"diff", "--cached", "--quiet", "--"}, rel...)...); err == nil {
		logging.Info().Str("repo", g.RepoDir).Msg("Nothing to publish")
		return nil
	} else if !isExitCode(err, 1) {
		return err
	}

	if _, err := g.git(ctx, append([]string{"commit", "-m", message, "--"}, rel...)...); err != nil {
		return err
	}

	if g.Push {
		args := []string{"push", remote}
		if g.Branch != "" {
			args = append(args, "HEAD:"+g.Branch)
		} else {
			args = append(args, "HEAD")
		}
		if _, err := g.git(ctx, args...); err != nil {
			return err
		}
	}

	logging.Info().Str("repo", g.RepoDir).Strs("paths", rel).Bool("pushed", g.Push).Msg("Published to git")
	return nil
}

func (g *GitPublisher) lock(ctx context.Context) (*storage.FileLock, error) {
	out, err := g.git(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(strings.TrimSpace(out), "modelvault-publish.lock")
	lock, err := storage.LockFile(ctx, path, gitLockPoll)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}
	return lock, nil
}

// relative resolves path against the process working directory and
// returns it relative to the repository
func (g *GitPublisher) relative(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}
	repo, err := filepath.Abs(g.RepoDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailure, err)
	}
	rel, err := filepath.Rel(repo, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside repository %s", ErrPublishFailure, path, g.RepoDir)
	}
	return rel, nil
}

func (g *GitPublisher) git(ctx context.Context, args ...string) (string, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	full := []string{"-c", "commit.gpgsign=false"}
	if g.AuthorName != "" {
		full = append(full, "-c", "user.name="+g.AuthorName)
	}
	if g.AuthorEmail != "" {
		full = append(full, "-c", "user.email="+g.AuthorEmail)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = g.RepoDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), &gitError{args: args, output: strings.TrimSpace(out.String()), err: err}
	}
	return out.String(), nil
}

type gitError struct {
	args   []string
	output string
	err    error
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.args, " "), e.err, e.output)
}

func (e *gitError) Unwrap() []error {
	return []error{ErrPublishFailure, e.err}
}

func isExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == code
}
