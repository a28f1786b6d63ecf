// Package shutdown handles process signals and fatal startup errors.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/logger"
)

// exit is replaced in tests.
var exit = os.Exit

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
// SIGPIPE dumps goroutine stacks to the log before cancelling.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	go func() {
		defer signal.Stop(sigc)
		select {
		case s := <-sigc:
			if s == syscall.SIGPIPE {
				logger.Info("signal_received", "signal", s.String(), "msg", "dumping goroutine stacks")
				logger.Info("goroutine_stack_dump", "dump", stacks())
			} else {
				logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func stacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}

// Abort logs a fatal error, writes a crash dump under dir and exits with
// status 2.
func Abort(msg string, err error, dir string) {
	logger.Error("startup_fatal", "msg", msg, "error", err)
	path, derr := WriteCrashDump(dir, msg, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	} else {
		logger.Error("startup_fatal_crashdump", "path", path)
		fmt.Fprintf(os.Stderr, "%s: %v (crash dump: %s)\n", msg, err, path)
	}
	logger.Sync()
	exit(2)
}

// WriteCrashDump writes the reason, the error and every goroutine stack to
// <dir>/crash/crash-<nanos>.log and returns its path. The file is written
// under a temporary name and renamed into place.
func WriteCrashDump(dir, reason string, cause error) (string, error) {
	if dir == "" {
		dir = "."
	}
	crashDir := filepath.Join(dir, "crash")
	if err := os.MkdirAll(crashDir, 0o700); err != nil {
		return "", errors.Wrap(err, "create crash dir")
	}
	f, err := os.CreateTemp(crashDir, ".crash-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create crash file")
	}
	tmpName := f.Name()
	defer func() { _ = os.Remove(tmpName) }()

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "pid: %d\n", os.Getpid())
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %+v\n", cause)
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n%s", stacks())
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	if err := os.Rename(tmpName, path); err != nil {
		return "", errors.Wrap(err, "move crash dump into place")
	}
	return path, nil
}
