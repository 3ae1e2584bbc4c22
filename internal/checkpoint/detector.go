// Package checkpoint spots phase-boundary markers in outgoing log text.
//
// A match is advisory: the detector tells the client and asks an external
// Pauser to record the pause, but it never stops the process.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"runstream/internal/logger"
	"runstream/internal/protocol"
)

// DefaultPatterns are the built-in phase-boundary markers. They are matched
// case-insensitively.
var DefaultPatterns = []string{
	`phase\s+\d+\s+(is\s+)?complete`,
	`phase\s+complete`,
	`checkpoint\s+reached`,
	`awaiting\s+(your\s+)?confirmation`,
	`waiting\s+for\s+(your\s+)?(approval|confirmation|review)`,
	`please\s+review\b.*\bbefore\s+(continuing|proceeding)`,
	`ready\s+for\s+(your\s+)?review`,
}

// Signal is a detected checkpoint.
type Signal struct {
	Type      string
	Message   string
	Resumable bool
}

// Appender receives checkpoint envelopes. *hub.Hub satisfies it.
type Appender interface {
	AppendAndBroadcast(streamID string, env protocol.Envelope) protocol.Envelope
}

// Pauser records a pause on the entity behind ownerKey.
type Pauser interface {
	Pause(ctx context.Context, ownerKey string, sig Signal) error
}

// PauserFunc adapts a function to Pauser.
type PauserFunc func(ctx context.Context, ownerKey string, sig Signal) error

// Pause calls f.
func (f PauserFunc) Pause(ctx context.Context, ownerKey string, sig Signal) error {
	return f(ctx, ownerKey, sig)
}

// Detector matches text against the checkpoint patterns.
type Detector struct {
	patterns []*regexp.Regexp
	out      Appender
	pauser   Pauser
	log      *slog.Logger
}

// Options configure a Detector.
type Options struct {
	// Extra patterns are added to DefaultPatterns.
	Extra  []string
	Pauser Pauser
	Logger *slog.Logger
}

// New compiles the patterns. out may be nil when only Match is used.
func New(out Appender, opts Options) (*Detector, error) {
	sources := append(append([]string(nil), DefaultPatterns...), opts.Extra...)
	patterns := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		re, err := regexp.Compile(`(?i)` + src)
		if err != nil {
			return nil, fmt.Errorf("compile checkpoint pattern %q: %w", src, err)
		}
		patterns = append(patterns, re)
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("checkpoint")
	}
	return &Detector{
		patterns: patterns,
		out:      out,
		pauser:   opts.Pauser,
		log:      opts.Logger,
	}, nil
}

// Match reports the first pattern matching text.
func (d *Detector) Match(text string) (Signal, bool) {
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return Signal{
				Type:      protocol.CheckpointPhaseComplete,
				Message:   text,
				Resumable: true,
			}, true
		}
	}
	return Signal{}, false
}

// Inspect emits a checkpoint envelope for streamID when text matches, then
// asks the Pauser to pause ownerKey. A Pauser failure is logged and does not
// affect the notification. It reports whether a checkpoint was emitted.
func (d *Detector) Inspect(ctx context.Context, streamID, ownerKey, text string) bool {
	sig, ok := d.Match(text)
	if !ok {
		return false
	}

	if d.out != nil {
		d.out.AppendAndBroadcast(streamID, protocol.Checkpoint(sig.Type, sig.Message, sig.Resumable))
	}
	d.log.Info("checkpoint detected", "streamID", streamID, "ownerKey", ownerKey, "type", sig.Type)

	if d.pauser != nil {
		if err := d.pauser.Pause(ctx, ownerKey, sig); err != nil {
			d.log.Warn("checkpoint pause failed", "ownerKey", ownerKey, "error", err)
		}
	}
	return true
}
