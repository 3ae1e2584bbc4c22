package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal is a control request forwarded to the child.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalTerminate
	SignalKill
	// SignalEOF writes the terminal EOF character instead of signalling.
	SignalEOF
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	case SignalEOF:
		return "eof"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// ParseSignal maps a client signal name to a Signal.
func ParseSignal(name string) (Signal, error) {
	switch name {
	case "interrupt":
		return SignalInterrupt, nil
	case "terminate":
		return SignalTerminate, nil
	case "kill":
		return SignalKill, nil
	case "eof":
		return SignalEOF, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// ctrlD is the default VEOF character of a cooked-mode terminal.
const ctrlD = 0x04

// SendSignal forwards sig to the child's process group, or for SignalEOF
// writes an end-of-input character to the pty.
func (s *Session) SendSignal(sig Signal) error {
	switch sig {
	case SignalInterrupt:
		return s.signal(unix.SIGINT)
	case SignalTerminate:
		return s.signal(unix.SIGTERM)
	case SignalKill:
		return s.signal(unix.SIGKILL)
	case SignalEOF:
		_, err := s.Write([]byte{ctrlD})
		return err
	}
	return fmt.Errorf("unsupported signal %v", sig)
}

// Terminate asks the child to stop: SIGTERM, or SIGKILL when force is set.
// Terminating an exited child is a no-op.
func (s *Session) Terminate(force bool) error {
	if force {
		return s.signal(unix.SIGKILL)
	}
	return s.signal(unix.SIGTERM)
}

// signal delivers sig to the process group. pty.Start makes the child a
// session leader, so its pgid equals its pid.
func (s *Session) signal(sig syscall.Signal) error {
	if _, exited := s.ExitCode(); exited {
		return nil
	}
	pid := s.cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = s.cmd.Process.Signal(sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("send %v to %d: %w", sig, pid, err)
	}
	s.log.Debug("signal sent", "signal", sig.String(), "pid", pid)
	return nil
}
