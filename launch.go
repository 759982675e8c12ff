package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// MULTI-PROCESS LAUNCHER
// ===========================================================================
//
// Single-node distributed runs re-exec the current binary once per extra
// rank with RANK/WORLD_SIZE/DIST_URL in the environment; rank 0 keeps
// running in the launching process so its output and exit status behave
// like a normal run. A failing child fails the whole run.
//
// ===========================================================================

// Environment variables honored by spawned workers and env:// runs.
const (
	envRank    = "RANK"
	envWorld   = "WORLD_SIZE"
	envDistURL = "DIST_URL"
)

// RankFromEnv reads RANK/WORLD_SIZE set by the launcher (or by an external
// process manager when dist-url is env://). Returns ok=false when unset.
func RankFromEnv() (rank, world int, ok bool) {
	r, rerr := strconv.Atoi(os.Getenv(envRank))
	w, werr := strconv.Atoi(os.Getenv(envWorld))
	if rerr != nil || werr != nil {
		return 0, 0, false
	}
	return r, w, true
}

// SpawnWorkers launches ranks 1..world-1 as child processes running the same
// command line, then returns a wait function. The caller proceeds as rank 0.
func SpawnWorkers(ctx context.Context, world int, distURL string, log *zap.Logger) (wait func() error, err error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("launch: resolve executable: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for rank := 1; rank < world; rank++ {
		rank := rank
		cmd := exec.CommandContext(ctx, self, os.Args[1:]...)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", envRank, rank),
			fmt.Sprintf("%s=%d", envWorld, world),
			fmt.Sprintf("%s=%s", envDistURL, distURL),
		)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("launch: rank %d stdout: %w", rank, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("launch: rank %d stderr: %w", rank, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("launch: start rank %d: %w", rank, err)
		}
		log.Info("spawned worker", zap.Int("rank", rank), zap.Int("pid", cmd.Process.Pid))

		prefix := fmt.Sprintf("[rank %d] ", rank)
		go relayOutput(stdout, os.Stdout, prefix)
		go relayOutput(stderr, os.Stderr, prefix)

		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("launch: rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait, nil
}

// relayOutput copies child output line by line with a rank prefix.
func relayOutput(r io.Reader, w io.Writer, prefix string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, prefix+scanner.Text())
	}
}
