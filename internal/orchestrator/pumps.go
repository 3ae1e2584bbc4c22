package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"runstream/internal/protocol"
	"runstream/internal/streamparse"
)

// pumpOutput moves the child's output to the hub until EOF (nil) or until
// ctx ends (ctx.Err()). Each Read is bounded by the poll interval so
// cancellation is noticed promptly.
func (o *Orchestrator) pumpOutput(ctx context.Context, r *run, proc Process) error {
	parser := streamparse.New(o.log)
	for {
		pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollInterval)
		data, err := proc.Read(pollCtx, o.cfg.ReadChunk)
		cancel()

		if len(data) > 0 {
			o.registry.Touch(r.ownerKey)
			o.dispatch(ctx, r, parser.Feed(data))
		}

		switch {
		case errors.Is(err, io.EOF):
			o.dispatch(ctx, r, parser.Flush())
			return nil
		case ctx.Err() != nil:
			// A child that never goes quiet must not keep the run alive.
			o.drain(r, proc, parser)
			return ctx.Err()
		case err == nil, errors.Is(err, context.DeadlineExceeded):
			// data or poll tick
		default:
			return fmt.Errorf("%w: read output: %v", ErrInternal, err)
		}
	}
}

// drain forwards output already buffered once the run is stopping. It
// gives up after drainWindow in total, however much output keeps coming.
func (o *Orchestrator) drain(r *run, proc Process, parser *streamparse.Parser) {
	ctx := context.Background()
	readCtx, cancel := context.WithTimeout(ctx, drainWindow)
	defer cancel()
	for readCtx.Err() == nil {
		data, err := proc.Read(readCtx, o.cfg.ReadChunk)
		if len(data) > 0 {
			o.dispatch(ctx, r, parser.Feed(data))
		}
		if err != nil || len(data) == 0 {
			break
		}
	}
	o.dispatch(ctx, r, parser.Flush())
}

// dispatch routes parsed events: file mutations become file envelopes,
// renderable text goes through the checkpoint detector and then to the hub.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, events []streamparse.Event) {
	for _, ev := range events {
		o.mirror(ctx, r.streamID, ev)

		if token := streamparse.SessionIDOf(ev); token != "" {
			if o.registry.SetCorrelationTokenOnce(r.ownerKey, token) {
				o.log.Debug("correlation token recorded", "ownerKey", r.ownerKey, "token", token)
			}
		}

		level := protocol.LevelInfo
		switch e := ev.(type) {
		case streamparse.FileMutation:
			o.hub.AppendAndBroadcast(r.streamID, protocol.File(string(e.Action), e.Path))
			continue
		case streamparse.FinalResult:
			if e.IsError {
				level = protocol.LevelError
			}
		}

		text := ev.Render()
		if text == "" {
			continue
		}
		if o.detector != nil {
			o.detector.Inspect(ctx, r.streamID, r.ownerKey, text)
		}
		o.hub.AppendAndBroadcast(r.streamID, protocol.Log(level, text))
	}
}

// mirror hands ev to the relay. Relay errors and panics are logged only.
func (o *Orchestrator) mirror(ctx context.Context, streamID string, ev streamparse.Event) {
	if o.relay == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.log.Warn("relay panicked", "streamID", streamID, "panic", p)
		}
	}()
	if err := o.relay.Relay(ctx, streamID, ev); err != nil {
		o.log.Warn("relay failed", "streamID", streamID, "error", err)
	}
}

func (o *Orchestrator) pumpResize(ctx context.Context, r *run, proc Process) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-r.resize:
			if !ok {
				return nil
			}
			if err := proc.Resize(req.Rows, req.Cols); err != nil {
				o.log.Warn("resize failed", "streamID", r.streamID, "rows", req.Rows, "cols", req.Cols, "error", err)
			}
		}
	}
}

func (o *Orchestrator) pumpSignals(ctx context.Context, r *run, proc Process) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-r.signals:
			if !ok {
				return nil
			}
			if err := proc.SendSignal(sig); err != nil {
				o.log.Warn("signal failed", "streamID", r.streamID, "signal", sig, "error", err)
			}
		}
	}
}
