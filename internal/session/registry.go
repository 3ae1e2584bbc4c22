package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"runstream/internal/logger"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Entry is one owner key's live process and its metadata.
type Entry[P Process] struct {
	OwnerKey  string
	Process   P
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	held         bool
}

// LastActivity returns the last time the entry was touched.
func (e *Entry[P]) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

func (e *Entry[P]) touch(now time.Time) {
	e.mu.Lock()
	e.lastActivity = now
	e.mu.Unlock()
}

func (e *Entry[P]) isHeld() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

func (e *Entry[P]) alive() bool {
	_, exited := e.Process.ExitCode()
	return !exited
}

// Options tune the idle sweep.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Registry maps owner keys to live processes. All map mutations happen
// under one mutex.
type Registry[P Process] struct {
	mu      sync.Mutex
	entries map[string]*Entry[P]
	// tokens outlive entries so a later process for the same owner can
	// resume the same underlying task.
	tokens map[string]string

	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry[P Process](opts Options) *Registry[P] {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("registry")
	}
	return &Registry[P]{
		entries:       make(map[string]*Entry[P]),
		tokens:        make(map[string]string),
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		log:           opts.Logger,
	}
}

// GetOrCreate returns the live entry for ownerKey, or runs factory to spawn
// a new process and registers it. created is false on reuse. The factory
// runs under the registry lock so two callers can never both spawn.
func (r *Registry[P]) GetOrCreate(ownerKey string, factory func() (P, error)) (*Entry[P], bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[ownerKey]; ok {
		if e.alive() {
			e.touch(r.now())
			return e, false, nil
		}
		// Exited but not yet swept; release it before replacing.
		r.closeEntry(e)
		delete(r.entries, ownerKey)
	}

	p, err := factory()
	if err != nil {
		return nil, false, fmt.Errorf("create process for %s: %w", ownerKey, err)
	}

	now := r.now()
	e := &Entry[P]{
		OwnerKey:     ownerKey,
		Process:      p,
		CreatedAt:    now,
		lastActivity: now,
	}
	r.entries[ownerKey] = e
	r.log.Info("process registered", "ownerKey", ownerKey, "sessionID", p.ID())
	return e, true, nil
}

// Get returns the entry for ownerKey, alive or not.
func (r *Registry[P]) Get(ownerKey string) (*Entry[P], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ownerKey]
	return e, ok
}

// Touch records activity for ownerKey.
func (r *Registry[P]) Touch(ownerKey string) {
	r.mu.Lock()
	e, ok := r.entries[ownerKey]
	r.mu.Unlock()
	if ok {
		e.touch(r.now())
	}
}

// SetHeld marks ownerKey's entry as in use by a run. The idle sweep skips
// held entries whose process is alive. It reports whether the entry exists.
func (r *Registry[P]) SetHeld(ownerKey string, held bool) bool {
	r.mu.Lock()
	e, ok := r.entries[ownerKey]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.held = held
	e.mu.Unlock()
	return true
}

// SetCorrelationTokenOnce records token for ownerKey if none is recorded.
// It reports whether token is now the recorded value. A different later
// value is ignored.
func (r *Registry[P]) SetCorrelationTokenOnce(ownerKey, token string) bool {
	if token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tokens[ownerKey]
	if !ok {
		r.tokens[ownerKey] = token
		r.log.Info("correlation token recorded", "ownerKey", ownerKey, "token", token)
		return true
	}
	if existing != token {
		r.log.Warn("ignoring different correlation token",
			"ownerKey", ownerKey,
			"existing", existing,
			"ignored", token)
		return false
	}
	return true
}

// CorrelationToken returns the recorded token, or "".
func (r *Registry[P]) CorrelationToken(ownerKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[ownerKey]
}

// Drop removes the entry for ownerKey if it still holds p, without
// closing p. The caller owns p's teardown. The correlation token is kept.
func (r *Registry[P]) Drop(ownerKey string, p P) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ownerKey]
	if !ok || e.Process.ID() != p.ID() {
		return false
	}
	delete(r.entries, ownerKey)
	return true
}

// Remove closes and drops the entry for ownerKey. It reports whether an
// entry existed.
func (r *Registry[P]) Remove(ownerKey string) bool {
	r.mu.Lock()
	e, ok := r.entries[ownerKey]
	delete(r.entries, ownerKey)
	r.mu.Unlock()

	if ok {
		r.closeEntry(e)
	}
	return ok
}

// List returns a snapshot of all entries sorted by owner key.
func (r *Registry[P]) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := make([]Info, 0, len(r.entries))
	for key, e := range r.entries {
		info := Info{
			OwnerKey:         key,
			SessionID:        e.Process.ID(),
			State:            StateActive,
			CorrelationToken: r.tokens[key],
			CreatedAt:        e.CreatedAt,
			LastActivity:     e.LastActivity(),
		}
		if code, exited := e.Process.ExitCode(); exited {
			info.State = StateTerminated
			info.ExitCode = &code
		} else if now.Sub(info.LastActivity) > r.idleTimeout/2 {
			info.State = StateIdle
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OwnerKey < result[j].OwnerKey })
	return result
}

// Sweep closes and drops entries whose process exited or that have been
// idle longer than the idle timeout and are not held. It returns the swept
// owner keys.
func (r *Registry[P]) Sweep() []string {
	now := r.now()

	r.mu.Lock()
	var stale []*Entry[P]
	for key, e := range r.entries {
		idle := !e.isHeld() && now.Sub(e.LastActivity()) > r.idleTimeout
		if !e.alive() || idle {
			stale = append(stale, e)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	keys := make([]string, 0, len(stale))
	for _, e := range stale {
		r.log.Info("sweeping session", "ownerKey", e.OwnerKey, "alive", e.alive())
		r.closeEntry(e)
		keys = append(keys, e.OwnerKey)
	}
	sort.Strings(keys)
	return keys
}

// Run sweeps every sweep interval until ctx is done.
func (r *Registry[P]) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown closes every process and empties the registry.
func (r *Registry[P]) Shutdown() {
	r.mu.Lock()
	entries := make([]*Entry[P], 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry[P])
	r.mu.Unlock()

	for _, e := range entries {
		r.closeEntry(e)
	}
}

func (r *Registry[P]) closeEntry(e *Entry[P]) {
	if err := e.Process.Close(); err != nil {
		r.log.Warn("close process", "ownerKey", e.OwnerKey, "error", err)
	}
}
