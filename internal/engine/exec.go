package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// stopGrace is how long the server gets to shut down after an interrupt.
const stopGrace = 30 * time.Second

// Command builds the server command line for artifact: the JVM arguments,
// then -jar and the artifact, then the server arguments.
func (l *Launcher) Command(ctx context.Context, art *Artifact) *exec.Cmd {
	args := make([]string, 0, len(l.cfg.Java.JVMArgs)+len(l.cfg.Java.ServerArgs)+2)
	args = append(args, l.cfg.Java.JVMArgs...)
	args = append(args, "-jar", art.Path)
	args = append(args, l.cfg.Java.ServerArgs...)

	cmd := exec.CommandContext(ctx, l.cfg.Java.Path, args...)
	cmd.Dir = l.cfg.Install.Dir
	// Cancellation asks the server to stop so it can save state.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	return cmd
}

// Exec runs the server in the foreground with the given standard streams
// and returns its exit code. Only a failure to start is an error.
func (l *Launcher) Exec(ctx context.Context, art *Artifact, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cmd := l.Command(ctx, art)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	l.reporter.SetPhase(PhaseLaunching)
	l.logger.Info("starting server", "java", cmd.Path, "args", cmd.Args[1:], "dir", cmd.Dir)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		l.logger.Info("server exited", "code", exitErr.ExitCode())
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("running %s: %w", l.cfg.Java.Path, err)
}
