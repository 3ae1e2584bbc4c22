// Package process runs a single child process attached to a pseudo-terminal.
//
// A Session owns the pty master, a reader goroutine that moves output into a
// channel, and a reaper goroutine that records the exit code. Callers pull
// output with Read, which honours a context so it never blocks past the
// caller's poll interval.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"runstream/internal/logger"
)

const (
	defaultRows        = 40
	defaultCols        = 120
	defaultReplayBytes = 64 * 1024
	readBufSize        = 32 * 1024
	outputQueueLen     = 64

	// exitDrainGrace bounds how long the reaper waits for the reader to hit
	// EOF after the child exits. A grandchild holding the pty slave open
	// would otherwise keep Read from ever returning io.EOF.
	exitDrainGrace = 2 * time.Second
	closeWait      = 5 * time.Second
)

var (
	// ErrLaunchUnavailable means the binary could not be located. It is
	// returned before anything is spawned.
	ErrLaunchUnavailable = errors.New("launch unavailable")
	// ErrSpawn wraps failures to start the child.
	ErrSpawn = errors.New("process spawn failed")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("process session closed")
)

// Config describes the child to spawn.
type Config struct {
	OwnerKey string
	Argv     []string
	Dir      string
	Env      []string
	Rows     uint16
	Cols     uint16
	// ReplayBytes caps the raw output kept for Replay. Zero uses 64 KiB.
	ReplayBytes int
	Logger      *slog.Logger
}

// Session is one child process on a pty.
type Session struct {
	id        string
	ownerKey  string
	argv      []string
	dir       string
	env       []string
	createdAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File
	log  *slog.Logger

	out        chan []byte
	pending    []byte // unread tail of the last chunk; reader side only
	readerDone chan struct{}
	done       chan struct{}
	closing    chan struct{}

	mu           sync.Mutex
	rows, cols   uint16
	lastActivity time.Time
	exitCode     int
	exited       bool
	replay       *tailBuffer

	ptyOnce   sync.Once
	closeOnce sync.Once
	closed    bool
}

// LookPath locates binary on PATH. A miss wraps ErrLaunchUnavailable.
func LookPath(binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: empty binary name", ErrLaunchUnavailable)
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found in PATH", ErrLaunchUnavailable, binary)
	}
	return path, nil
}

// Start probes the binary, then spawns it on a new pty.
func Start(cfg Config) (*Session, error) {
	if len(cfg.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrSpawn)
	}
	path, err := LookPath(cfg.Argv[0])
	if err != nil {
		return nil, err
	}
	if cfg.Rows == 0 {
		cfg.Rows = defaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = defaultCols
	}
	if cfg.ReplayBytes <= 0 {
		cfg.ReplayBytes = defaultReplayBytes
	}

	cmd := exec.Command(path, cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	id := uuid.New().String()
	log := cfg.Logger
	if log == nil {
		log = logger.WithSession(id)
	} else {
		log = log.With("sessionID", id)
	}

	now := time.Now().UTC()
	s := &Session{
		id:           id,
		ownerKey:     cfg.OwnerKey,
		argv:         append([]string(nil), cfg.Argv...),
		dir:          cfg.Dir,
		env:          cfg.Env,
		createdAt:    now,
		cmd:          cmd,
		ptmx:         ptmx,
		log:          log,
		out:          make(chan []byte, outputQueueLen),
		readerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
		rows:         cfg.Rows,
		cols:         cfg.Cols,
		lastActivity: now,
		replay:       newTailBuffer(cfg.ReplayBytes),
	}

	log.Info("process started",
		"pid", cmd.Process.Pid,
		"binary", path,
		"dir", cfg.Dir,
		"rows", cfg.Rows,
		"cols", cfg.Cols)

	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

// readLoop moves pty output into s.out until the pty fails or closes.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.out)

	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.mu.Lock()
			s.replay.Write(chunk)
			s.lastActivity = time.Now().UTC()
			s.mu.Unlock()

			select {
			case s.out <- chunk:
			case <-s.closing:
				return
			}
		}
		if err != nil {
			// Linux reports EIO once the slave side is gone.
			s.log.Debug("pty read ended", "error", err)
			return
		}
	}
}

// waitLoop reaps the child and records its exit code.
func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	code := exitCodeOf(err)

	s.mu.Lock()
	s.exitCode = code
	s.exited = true
	s.mu.Unlock()
	close(s.done)

	s.log.Info("process exited", "exitCode", code)

	select {
	case <-s.readerDone:
	case <-time.After(exitDrainGrace):
		s.log.Warn("pty still open after exit, closing")
		s.closePty()
	}
}

// exitCodeOf maps a Wait error to an exit code. Signal deaths map to the
// shell convention 128+signal so they never collide with negative codes.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

func (s *Session) closePty() {
	s.ptyOnce.Do(func() {
		if err := s.ptmx.Close(); err != nil {
			s.log.Debug("close pty", "error", err)
		}
	})
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// OwnerKey returns the owner key the session was spawned for.
func (s *Session) OwnerKey() string { return s.ownerKey }

// Argv returns a copy of the spawn argv.
func (s *Session) Argv() []string { return append([]string(nil), s.argv...) }

// Dir returns the working directory.
func (s *Session) Dir() string { return s.dir }

// CreatedAt returns the spawn time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Pid returns the child's process ID.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// Size returns the current terminal size.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// LastActivity returns the time of the last read or write.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ExitCode returns the exit code and true once the child has been reaped.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

// Done is closed after the child has been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Replay returns the most recent raw output, oldest byte first.
func (s *Session) Replay() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay.Bytes()
}

// Read returns up to max bytes of output. It blocks until output arrives,
// the stream ends (io.EOF) or ctx is done. Read is meant for a single
// consumer goroutine.
func (s *Session) Read(ctx context.Context, max int) ([]byte, error) {
	if max <= 0 {
		max = readBufSize
	}
	if len(s.pending) == 0 {
		select {
		case chunk, ok := <-s.out:
			if !ok {
				return nil, io.EOF
			}
			s.pending = chunk
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n := min(max, len(s.pending))
	p := s.pending[:n]
	s.pending = s.pending[n:]
	return p, nil
}

// Write feeds p to the child's stdin.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	return s.ptmx.Write(p)
}

// Resize propagates a terminal size change to the child.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.rows, s.cols = rows, cols
	s.mu.Unlock()

	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Close terminates the child if it is still alive, releases the pty and
// waits for the reaper. It is idempotent and always returns nil.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.closing)

		if _, exited := s.ExitCode(); !exited {
			if err := s.signal(syscall.SIGKILL); err != nil {
				s.log.Debug("kill on close", "error", err)
			}
		}
		s.closePty()

		select {
		case <-s.done:
		case <-time.After(closeWait):
			s.log.Warn("process not reaped after close")
		}
		s.log.Debug("process session closed")
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
