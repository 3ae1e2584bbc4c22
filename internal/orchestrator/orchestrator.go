// Package orchestrator drives one run of the CLI per stream: it acquires a
// process for the owner key, pumps its output through the parser, the
// checkpoint detector and the hub, and guarantees a terminal complete
// envelope however the run ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"runstream/internal/checkpoint"
	"runstream/internal/hub"
	"runstream/internal/logger"
	"runstream/internal/process"
	"runstream/internal/protocol"
	"runstream/internal/session"
	"runstream/internal/streamparse"
)

// SyntheticExitCode is reported when no real exit status exists: timeouts,
// cancellations and internal failures.
const SyntheticExitCode = -1

const (
	defaultTimeout      = 30 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	defaultReadChunk    = 32 * 1024
	defaultExitWait     = 5 * time.Second
	defaultResumePrompt = "Continue from where you left off."
	queueLen            = 16
	drainWindow         = 50 * time.Millisecond
)

var (
	ErrTimeout   = errors.New("run timed out")
	ErrCancelled = errors.New("run cancelled")
	ErrInternal  = errors.New("internal error")
	// ErrRunActive rejects a second concurrent run for the same stream or
	// owner key.
	ErrRunActive = errors.New("run already active")
	// ErrNoRun is returned when addressing a stream with no active run.
	ErrNoRun = errors.New("no active run")
	// ErrQueueFull is returned when a resize or signal cannot be queued.
	ErrQueueFull = errors.New("queue full")
)

// State is a run's lifecycle state.
type State string

const (
	StateInit      State = "INIT"
	StateStreaming State = "STREAMING"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// ResizeRequest is a terminal size change.
type ResizeRequest struct {
	Rows, Cols uint16
}

// ProcessInfo describes the process a run is attached to.
type ProcessInfo struct {
	StreamID  string
	OwnerKey  string
	SessionID string
	Reused    bool
}

// Observer is told when a run's process starts and when the run ends.
type Observer interface {
	OnProcessStart(info ProcessInfo)
	OnProcessEnd(res Result)
}

// Relay mirrors every parsed event to a secondary sink. Its failures never
// affect the run.
type Relay interface {
	Relay(ctx context.Context, streamID string, ev streamparse.Event) error
}

// WorkspaceWatcher reports on-disk changes under a directory until stop is
// called.
type WorkspaceWatcher interface {
	Watch(root string, fn func(action, path string)) (stop func(), err error)
}

// Request starts one run.
type Request struct {
	StreamID    string
	OwnerKey    string
	Prompt      string
	ProjectRoot string
	// Resume replays the stream's history to Channel before it goes live.
	Resume   bool
	Channel  hub.Channel
	Category hub.Category
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
	// Resize and Signals are drained in order while the run streams. Nil
	// channels are created by Run and fed through Orchestrator.Resize and
	// Orchestrator.Signal.
	Resize   chan ResizeRequest
	Signals  chan process.Signal
	Observer Observer
}

// Result is a run's terminal status.
type Result struct {
	State    State
	Success  bool
	ExitCode int
	Err      error
}

// Config tunes runs.
type Config struct {
	Binary       string
	AllowedTools []string
	ExtraArgs    []string
	Timeout      time.Duration
	PollInterval time.Duration
	ReadChunk    int
	Rows, Cols   uint16
	// ExitWait bounds the wait for an exit status after output ends.
	ExitWait     time.Duration
	ResumePrompt string
}

// Options wire an Orchestrator's collaborators. Launcher, Registry and Hub
// are required.
type Options struct {
	Launcher Launcher
	Registry *session.Registry[Process]
	Hub      *hub.Hub
	Detector *checkpoint.Detector
	Relay    Relay
	Watcher  WorkspaceWatcher
	Tracer   trace.Tracer
	Logger   *slog.Logger
	// Environ is the base child environment. Nil uses os.Environ.
	Environ func() []string
}

type run struct {
	streamID string
	ownerKey string
	ctx      context.Context
	cancel   context.CancelCauseFunc
	resize   chan ResizeRequest
	signals  chan process.Signal

	mu   sync.Mutex
	proc Process
}

func (r *run) process() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *run) setProcess(p Process) {
	r.mu.Lock()
	r.proc = p
	r.mu.Unlock()
}

// Orchestrator runs CLI invocations against streams.
type Orchestrator struct {
	cfg      Config
	launcher Launcher
	registry *session.Registry[Process]
	hub      *hub.Hub
	detector *checkpoint.Detector
	relay    Relay
	watcher  WorkspaceWatcher
	tracer   trace.Tracer
	environ  func() []string
	log      *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run // by stream ID
	owners map[string]*run // by owner key
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config, opts Options) *Orchestrator {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.AllowedTools == nil {
		cfg.AllowedTools = DefaultAllowedTools
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = defaultReadChunk
	}
	if cfg.ExitWait <= 0 {
		cfg.ExitWait = defaultExitWait
	}
	if cfg.ResumePrompt == "" {
		cfg.ResumePrompt = defaultResumePrompt
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("orchestrator")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("runstream/orchestrator")
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	return &Orchestrator{
		cfg:      cfg,
		launcher: opts.Launcher,
		registry: opts.Registry,
		hub:      opts.Hub,
		detector: opts.Detector,
		relay:    opts.Relay,
		watcher:  opts.Watcher,
		tracer:   opts.Tracer,
		environ:  opts.Environ,
		log:      opts.Logger,
		runs:     make(map[string]*run),
		owners:   make(map[string]*run),
	}
}

// Go starts Run on its own goroutine. Shutdown waits for it.
func (o *Orchestrator) Go(ctx context.Context, req Request) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				o.log.Error("run goroutine panicked", "streamID", req.StreamID, "panic", p, "stack", string(debug.Stack()))
			}
		}()
		o.Run(ctx, req)
	}()
}

// Run executes one run to completion. Every run that gets a process ends
// with a complete envelope on its stream.
func (o *Orchestrator) Run(ctx context.Context, req Request) (res Result) {
	if req.Timeout <= 0 {
		req.Timeout = o.cfg.Timeout
	}
	log := o.log.With("streamID", req.StreamID, "ownerKey", req.OwnerKey)

	ctx, span := o.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("stream.id", req.StreamID),
		attribute.String("owner.key", req.OwnerKey),
		attribute.Bool("run.resume", req.Resume),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("run.state", string(res.State)),
			attribute.Int("run.exit_code", res.ExitCode),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	r, err := o.register(ctx, req)
	if err != nil {
		log.Warn("run rejected", "error", err)
		o.hub.Send(req.StreamID, protocol.Error(err.Error()))
		return Result{State: StateFailed, ExitCode: SyntheticExitCode, Err: err}
	}
	defer o.unregister(r)

	span.AddEvent(string(StateInit))
	proc, err := o.safeAcquire(r, req)
	if err != nil {
		log.Error("run init failed", "error", err)
		o.hub.AppendAndBroadcast(req.StreamID, protocol.Error(err.Error()))
		o.hub.AppendAndBroadcast(req.StreamID, protocol.Complete(false, SyntheticExitCode))
		return Result{State: StateFailed, ExitCode: SyntheticExitCode, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("run panicked", "panic", p, "stack", string(debug.Stack()))
			res = o.failed(r, fmt.Errorf("%w: panic: %v", ErrInternal, p))
		}
		o.teardown(r, proc)
		o.hub.AppendAndBroadcast(r.streamID, protocol.Complete(res.Success, res.ExitCode))
		if req.Observer != nil {
			req.Observer.OnProcessEnd(res)
		}
		span.AddEvent(string(res.State))
		log.Info("run finished", "state", res.State, "exitCode", res.ExitCode)
	}()

	span.AddEvent(string(StateStreaming))
	return o.stream(r, proc, req)
}

func (o *Orchestrator) register(ctx context.Context, req Request) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.runs[req.StreamID]; busy {
		return nil, fmt.Errorf("%w: stream %s", ErrRunActive, req.StreamID)
	}
	if _, busy := o.owners[req.OwnerKey]; busy {
		return nil, fmt.Errorf("%w: owner %s", ErrRunActive, req.OwnerKey)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{
		streamID: req.StreamID,
		ownerKey: req.OwnerKey,
		ctx:      runCtx,
		cancel:   cancel,
		resize:   req.Resize,
		signals:  req.Signals,
	}
	if r.resize == nil {
		r.resize = make(chan ResizeRequest, queueLen)
	}
	if r.signals == nil {
		r.signals = make(chan process.Signal, queueLen)
	}
	o.runs[r.streamID] = r
	o.owners[r.ownerKey] = r
	return r, nil
}

func (o *Orchestrator) unregister(r *run) {
	r.cancel(nil)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[r.streamID] == r {
		delete(o.runs, r.streamID)
	}
	if o.owners[r.ownerKey] == r {
		delete(o.owners, r.ownerKey)
	}
}

// acquire probes the binary, gets or spawns the owner's process and wires
// it to the stream.
func (o *Orchestrator) acquire(r *run, req Request) (Process, error) {
	if err := o.launcher.Probe(o.cfg.Binary); err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if prompt == "" && req.Resume {
		prompt = o.cfg.ResumePrompt
	}
	// GetOrCreate holds the registry lock while the factory runs, so the
	// token is read before.
	token := o.registry.CorrelationToken(req.OwnerKey)
	entry, created, err := o.registry.GetOrCreate(req.OwnerKey, func() (Process, error) {
		return o.launcher.Launch(LaunchSpec{
			OwnerKey: req.OwnerKey,
			Invocation: Invocation{
				Binary:       o.cfg.Binary,
				Prompt:       prompt,
				AllowedTools: o.cfg.AllowedTools,
				ResumeToken:  token,
				ExtraArgs:    o.cfg.ExtraArgs,
			},
			Dir:  req.ProjectRoot,
			Env:  ChildEnv(o.environ()),
			Rows: o.cfg.Rows,
			Cols: o.cfg.Cols,
		})
	})
	if err != nil {
		return nil, err
	}
	proc := entry.Process
	r.setProcess(proc)
	o.registry.SetHeld(req.OwnerKey, true)

	if req.Category != "" {
		o.hub.SetCategory(r.streamID, req.Category)
	}
	o.hub.AttachProcess(r.streamID, proc)
	if req.Channel != nil {
		if req.Resume {
			o.hub.ConnectAndReplay(r.streamID, req.Channel)
		} else {
			o.hub.Connect(r.streamID, req.Channel)
		}
	}

	// A reused process already has its prompt; the new one goes to stdin.
	if !created && req.Prompt != "" {
		if _, err := proc.Write([]byte(req.Prompt + "\n")); err != nil {
			o.log.Warn("write prompt to reused process failed", "streamID", r.streamID, "error", err)
		}
	}

	if req.Observer != nil {
		req.Observer.OnProcessStart(ProcessInfo{
			StreamID:  r.streamID,
			OwnerKey:  r.ownerKey,
			SessionID: proc.ID(),
			Reused:    !created,
		})
	}
	o.hub.AppendAndBroadcast(r.streamID, protocol.Status(protocol.StatusRunning))
	return proc, nil
}

// safeAcquire runs acquire, turning a panic into ErrInternal. A process
// acquired before the panic is torn down.
func (o *Orchestrator) safeAcquire(r *run, req Request) (proc Process, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		o.log.Error("run init panicked", "streamID", r.streamID, "panic", p, "stack", string(debug.Stack()))
		if held := r.process(); held != nil {
			o.teardown(r, held)
		}
		proc, err = nil, fmt.Errorf("%w: panic during init: %v", ErrInternal, p)
	}()
	return o.acquire(r, req)
}

// stream runs the pumps until the output ends, the run times out or it is
// cancelled, and classifies the outcome.
func (o *Orchestrator) stream(r *run, proc Process, req Request) Result {
	timeoutCtx, cancelTimeout := context.WithTimeout(r.ctx, req.Timeout)
	defer cancelTimeout()
	pumpCtx, stopPumps := context.WithCancel(timeoutCtx)
	defer stopPumps()

	if o.watcher != nil && req.ProjectRoot != "" {
		stop, err := o.watcher.Watch(req.ProjectRoot, func(action, path string) {
			o.hub.AppendAndBroadcast(r.streamID, protocol.File(action, path))
		})
		if err != nil {
			o.log.Warn("workspace watch failed", "streamID", r.streamID, "error", err)
		} else {
			defer stop()
		}
	}

	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(guard(func() error {
		defer stopPumps()
		return o.pumpOutput(gctx, r, proc)
	}))
	g.Go(guard(func() error { return o.pumpResize(gctx, r, proc) }))
	g.Go(guard(func() error { return o.pumpSignals(gctx, r, proc) }))
	err := g.Wait()

	switch {
	case err == nil:
		return o.exited(r, proc)
	case r.ctx.Err() != nil:
		return o.cancelled(r, proc)
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		return o.timedOut(r, proc, req.Timeout)
	default:
		return o.failed(r, err)
	}
}

func (o *Orchestrator) exited(r *run, proc Process) Result {
	code, ok := o.waitExit(proc)
	if !ok {
		return o.failed(r, fmt.Errorf("%w: no exit status after output ended", ErrInternal))
	}
	if code == 0 {
		return Result{State: StateCompleted, Success: true, ExitCode: 0}
	}
	o.hub.AppendAndBroadcast(r.streamID, protocol.Log(protocol.LevelError, fmt.Sprintf("process exited with code %d", code)))
	return Result{State: StateFailed, ExitCode: code, Err: fmt.Errorf("process exited with code %d", code)}
}

// waitExit waits for the exit status, killing the child if it keeps running
// after its output closed.
func (o *Orchestrator) waitExit(proc Process) (int, bool) {
	select {
	case <-proc.Done():
		return proc.ExitCode()
	case <-time.After(o.cfg.ExitWait):
	}
	if err := proc.Terminate(true); err != nil {
		o.log.Warn("kill after output end failed", "sessionID", proc.ID(), "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(o.cfg.ExitWait):
	}
	return proc.ExitCode()
}

func (o *Orchestrator) cancelled(r *run, proc Process) Result {
	if err := proc.Terminate(false); err != nil {
		o.log.Warn("terminate on cancel failed", "streamID", r.streamID, "error", err)
	}
	o.hub.AppendAndBroadcast(r.streamID, protocol.Log(protocol.LevelWarning, "cancelled"))
	return Result{State: StateCancelled, ExitCode: SyntheticExitCode, Err: ErrCancelled}
}

func (o *Orchestrator) timedOut(r *run, proc Process, after time.Duration) Result {
	o.hub.AppendAndBroadcast(r.streamID, protocol.Log(protocol.LevelError, fmt.Sprintf("run timed out after %s", after)))
	if err := proc.Terminate(true); err != nil {
		o.log.Warn("kill on timeout failed", "streamID", r.streamID, "error", err)
	}
	return Result{State: StateTimedOut, ExitCode: SyntheticExitCode, Err: fmt.Errorf("%w after %s", ErrTimeout, after)}
}

func (o *Orchestrator) failed(r *run, err error) Result {
	if !errors.Is(err, ErrInternal) {
		err = fmt.Errorf("%w: %v", ErrInternal, err)
	}
	o.hub.AppendAndBroadcast(r.streamID, protocol.Log(protocol.LevelError, err.Error()))
	return Result{State: StateFailed, ExitCode: SyntheticExitCode, Err: err}
}

// teardown releases everything acquire set up. Close is the only call that
// ends the process; it runs once per run.
func (o *Orchestrator) teardown(r *run, proc Process) {
	o.hub.DetachProcess(r.streamID, proc)
	o.registry.Drop(r.ownerKey, proc)
	if err := proc.Close(); err != nil {
		o.log.Warn("process close failed", "streamID", r.streamID, "error", err)
	}
}

// Probe checks that the configured binary can be launched.
func (o *Orchestrator) Probe() error {
	return o.launcher.Probe(o.cfg.Binary)
}

// Cancel stops the stream's active run. It reports whether one was active.
func (o *Orchestrator) Cancel(streamID string) bool {
	r, ok := o.lookup(streamID)
	if !ok {
		return false
	}
	r.cancel(ErrCancelled)
	return true
}

// Active reports whether the stream has a run in progress.
func (o *Orchestrator) Active(streamID string) bool {
	_, ok := o.lookup(streamID)
	return ok
}

// Write sends text and a newline to the stream's running process.
func (o *Orchestrator) Write(streamID, text string) error {
	r, ok := o.lookup(streamID)
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrNoRun, streamID)
	}
	proc := r.process()
	if proc == nil {
		return fmt.Errorf("%w: stream %s has no process yet", ErrNoRun, streamID)
	}
	o.registry.Touch(r.ownerKey)
	_, err := proc.Write([]byte(text + "\n"))
	return err
}

// Resize queues a terminal size change for the stream's run.
func (o *Orchestrator) Resize(streamID string, rows, cols uint16) error {
	r, ok := o.lookup(streamID)
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrNoRun, streamID)
	}
	select {
	case r.resize <- ResizeRequest{Rows: rows, Cols: cols}:
		return nil
	default:
		return fmt.Errorf("resize %s: %w", streamID, ErrQueueFull)
	}
}

// Signal queues a signal for the stream's run.
func (o *Orchestrator) Signal(streamID string, sig process.Signal) error {
	r, ok := o.lookup(streamID)
	if !ok {
		return fmt.Errorf("%w: stream %s", ErrNoRun, streamID)
	}
	select {
	case r.signals <- sig:
		return nil
	default:
		return fmt.Errorf("signal %s: %w", streamID, ErrQueueFull)
	}
}

// Shutdown cancels every active run and waits for runs started with Go,
// or until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, r := range o.runs {
		r.cancel(ErrCancelled)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(streamID string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[streamID]
	return r, ok
}

// guard turns a pump panic into an ErrInternal error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: pump panic: %v", ErrInternal, p)
			}
		}()
		return fn()
	}
}
