package process

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runstream/internal/logger"
)

func startShell(t *testing.T, script string) *Session {
	t.Helper()
	s, err := Start(Config{
		OwnerKey: "owner-1",
		Argv:     []string{"sh", "-c", script},
		Dir:      t.TempDir(),
		Rows:     24,
		Cols:     80,
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// readUntil reads output until it contains want, EOF, or the timeout.
func readUntil(t *testing.T, s *Session, want string, timeout time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var sb strings.Builder
	for {
		p, err := s.Read(ctx, 1024)
		sb.Write(p)
		if want != "" && strings.Contains(sb.String(), want) {
			return sb.String()
		}
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, sb.String())
		}
	}
}

func waitDone(t *testing.T, s *Session) int {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	code, ok := s.ExitCode()
	require.True(t, ok)
	return code
}

func TestLookPath_Missing(t *testing.T) {
	_, err := LookPath("definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchUnavailable)
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(Config{Argv: []string{"definitely-not-a-real-binary-xyz"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchUnavailable)
}

func TestStart_EmptyArgv(t *testing.T) {
	_, err := Start(Config{})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestSession_ReadUntilEOF(t *testing.T) {
	s := startShell(t, `printf 'alpha\nbeta\n'`)

	out := readUntil(t, s, "", 5*time.Second)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta")
	assert.Equal(t, 0, waitDone(t, s))

	_, err := s.Read(context.Background(), 10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_ExitCode(t *testing.T) {
	s := startShell(t, `exit 3`)
	readUntil(t, s, "", 5*time.Second)
	assert.Equal(t, 3, waitDone(t, s))
}

func TestSession_ExitCodeUnsetWhileAlive(t *testing.T) {
	s := startShell(t, `sleep 30`)
	_, ok := s.ExitCode()
	assert.False(t, ok)
}

func TestSession_ReadHonoursContext(t *testing.T) {
	s := startShell(t, `sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Read(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSession_ReadRespectsMax(t *testing.T) {
	s := startShell(t, `printf 'abcdefghij'`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := s.Read(ctx, 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(p), 3)
}

func TestSession_Write(t *testing.T) {
	s := startShell(t, `read line; echo "got:$line"`)

	_, err := s.Write([]byte("hello\n"))
	require.NoError(t, err)
	out := readUntil(t, s, "got:hello", 5*time.Second)
	assert.Contains(t, out, "got:hello")
}

func TestSession_Resize(t *testing.T) {
	s := startShell(t, `read x; stty size`)

	require.NoError(t, s.Resize(50, 100))
	rows, cols := s.Size()
	assert.Equal(t, uint16(50), rows)
	assert.Equal(t, uint16(100), cols)

	_, err := s.Write([]byte("\n"))
	require.NoError(t, err)
	out := readUntil(t, s, "50 100", 5*time.Second)
	assert.Contains(t, out, "50 100")
}

func TestSession_SendInterrupt(t *testing.T) {
	s := startShell(t, `trap 'exit 7' INT; echo ready; while :; do sleep 0.1; done`)

	readUntil(t, s, "ready", 5*time.Second)
	require.NoError(t, s.SendSignal(SignalInterrupt))
	assert.Equal(t, 7, waitDone(t, s))
}

func TestSession_SendEOF(t *testing.T) {
	s := startShell(t, `cat >/dev/null; echo drained`)

	require.NoError(t, s.SendSignal(SignalEOF))
	out := readUntil(t, s, "drained", 5*time.Second)
	assert.Contains(t, out, "drained")
}

func TestSession_TerminateForce(t *testing.T) {
	s := startShell(t, `trap '' TERM; sleep 30`)

	require.NoError(t, s.Terminate(true))
	assert.Equal(t, 128+9, waitDone(t, s))

	// Signalling an exited child is a no-op.
	assert.NoError(t, s.Terminate(false))
}

func TestSession_CloseIdempotent(t *testing.T) {
	s := startShell(t, `sleep 30`)

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	code, ok := s.ExitCode()
	require.True(t, ok)

	require.NoError(t, s.Close())
	code2, ok := s.ExitCode()
	require.True(t, ok)
	assert.Equal(t, code, code2)

	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Resize(10, 10), ErrClosed)
}

func TestSession_Replay(t *testing.T) {
	s := startShell(t, `echo replay-me`)
	readUntil(t, s, "", 5*time.Second)
	assert.Contains(t, string(s.Replay()), "replay-me")
}

func TestSession_Metadata(t *testing.T) {
	s := startShell(t, `sleep 30`)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "owner-1", s.OwnerKey())
	assert.Equal(t, "sh", s.Argv()[0])
	assert.NotZero(t, s.Pid())
	assert.False(t, s.CreatedAt().IsZero())
	assert.False(t, s.LastActivity().Before(s.CreatedAt()))
}

func TestParseSignal(t *testing.T) {
	for _, sig := range []Signal{SignalInterrupt, SignalTerminate, SignalKill, SignalEOF} {
		got, err := ParseSignal(sig.String())
		require.NoError(t, err)
		assert.Equal(t, sig, got)
	}
	_, err := ParseSignal("hup")
	assert.Error(t, err)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(5)
	tb.Write([]byte("abc"))
	assert.Equal(t, "abc", string(tb.Bytes()))
	tb.Write([]byte("def"))
	assert.Equal(t, "bcdef", string(tb.Bytes()))
	tb.Write([]byte("0123456789"))
	assert.Equal(t, "56789", string(tb.Bytes()))
}
