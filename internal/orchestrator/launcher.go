package orchestrator

import (
	"context"
	"log/slog"

	"runstream/internal/process"
)

// Process is a running child as the orchestrator drives it.
// *process.Session satisfies it.
type Process interface {
	ID() string
	Read(ctx context.Context, max int) ([]byte, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	SendSignal(sig process.Signal) error
	Terminate(force bool) error
	ExitCode() (int, bool)
	Done() <-chan struct{}
	Close() error
}

// LaunchSpec describes one child to start.
type LaunchSpec struct {
	OwnerKey   string
	Invocation Invocation
	Dir        string
	Env        []string
	Rows, Cols uint16
}

// Launcher locates and starts children.
type Launcher interface {
	// Probe fails with process.ErrLaunchUnavailable when binary cannot be
	// started. Nothing is spawned.
	Probe(binary string) error
	Launch(spec LaunchSpec) (Process, error)
}

// PTYLauncher starts children on a pseudo-terminal.
type PTYLauncher struct {
	// Args builds argv from the invocation. Nil uses BuildArgs.
	Args        func(Invocation) []string
	ReplayBytes int
	Logger      *slog.Logger
}

// Probe implements Launcher.
func (l PTYLauncher) Probe(binary string) error {
	_, err := process.LookPath(binary)
	return err
}

// Launch implements Launcher.
func (l PTYLauncher) Launch(spec LaunchSpec) (Process, error) {
	build := l.Args
	if build == nil {
		build = BuildArgs
	}
	s, err := process.Start(process.Config{
		OwnerKey:    spec.OwnerKey,
		Argv:        build(spec.Invocation),
		Dir:         spec.Dir,
		Env:         spec.Env,
		Rows:        spec.Rows,
		Cols:        spec.Cols,
		ReplayBytes: l.ReplayBytes,
		Logger:      l.Logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
