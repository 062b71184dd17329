// Package logging provides the structured-logging conventions shared
// by every daemon package.
//
//   - Loggers are dependency-injected, never global
//   - Each package scopes its own logger once at construction time via
//     Default(log).With("subsystem", "...")
//   - A nil logger falls back to a discard logger rather than a nil
//     check at every call site
//
// Output format, level, and destination belong to cmd/backyd's main,
// never to the packages doing the logging.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// discardHandler drops every record it receives.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Every
// package constructor in this repo opens with:
//
//	log = logging.Default(log).With("subsystem", "repo", ...)
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// SubsystemFilterHandler wraps an slog.Handler and applies a per-
// subsystem minimum level, keyed on the "subsystem" attribute every
// package's logger carries (chunkstore, repo, scheduler, peer, api,
// quarantine, daemon). This lets an operator raise verbosity for one
// misbehaving subsystem (e.g. "peer" during a replication incident)
// without turning on debug logging daemon-wide.
//
// Handle() reads the current level map with a lock-free atomic load;
// SetLevel/ClearLevel use copy-on-write so readers never block.
type SubsystemFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs holds attributes attached via WithAttrs before any
	// group context; checked for "subsystem" in Handle().
	preAttrs []slog.Attr

	// levelSnapshot points at the current subsystem->level map. It is
	// a pointer so handlers derived via WithAttrs/WithGroup share the
	// same atomic and observe SetLevel changes made on the original.
	levelSnapshot *atomic.Pointer[map[string]slog.Level]
}

// NewSubsystemFilterHandler wraps next, applying defaultLevel to any
// subsystem without an explicit override.
func NewSubsystemFilterHandler(next slog.Handler, defaultLevel slog.Level) *SubsystemFilterHandler {
	snapshot := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	snapshot.Store(&empty)

	return &SubsystemFilterHandler{
		next:          next,
		defaultLevel:  defaultLevel,
		levelSnapshot: snapshot,
	}
}

// Enabled always defers to Handle, which has the record's attributes
// and can resolve the subsystem-specific minimum.
func (h *SubsystemFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *SubsystemFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	levels := *h.levelSnapshot.Load()

	subsystem := h.findSubsystem(r)
	minLevel := h.defaultLevel
	if subsystem != "" {
		if level, ok := levels[subsystem]; ok {
			minLevel = level
		}
	}
	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *SubsystemFilterHandler) findSubsystem(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "subsystem" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}

	var subsystem string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "subsystem" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				subsystem = s
				return false
			}
		}
		return true
	})
	return subsystem
}

// WithAttrs returns a new handler carrying attrs; a "subsystem" value
// among them is remembered for filtering records logged without it
// explicitly (the common case once a package's logger has .With'd it
// in at construction).
func (h *SubsystemFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &SubsystemFilterHandler{
		next:          h.next.WithAttrs(attrs),
		defaultLevel:  h.defaultLevel,
		preAttrs:      newPreAttrs,
		levelSnapshot: h.levelSnapshot,
	}
}

func (h *SubsystemFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SubsystemFilterHandler{
		next:          h.next.WithGroup(name),
		defaultLevel:  h.defaultLevel,
		preAttrs:      h.preAttrs,
		levelSnapshot: h.levelSnapshot,
	}
}

// SetLevel sets the minimum level for one subsystem, effective
// immediately for loggers sharing this handler.
func (h *SubsystemFilterHandler) SetLevel(subsystem string, level slog.Level) {
	oldLevels := *h.levelSnapshot.Load()
	newLevels := make(map[string]slog.Level, len(oldLevels)+1)
	maps.Copy(newLevels, oldLevels)
	newLevels[subsystem] = level
	h.levelSnapshot.Store(&newLevels)
}

// ClearLevel reverts subsystem to the handler's default level.
func (h *SubsystemFilterHandler) ClearLevel(subsystem string) {
	oldLevels := *h.levelSnapshot.Load()
	if _, ok := oldLevels[subsystem]; !ok {
		return
	}
	newLevels := make(map[string]slog.Level, len(oldLevels))
	for k, v := range oldLevels {
		if k != subsystem {
			newLevels[k] = v
		}
	}
	h.levelSnapshot.Store(&newLevels)
}

// Level returns the effective minimum level for subsystem.
func (h *SubsystemFilterHandler) Level(subsystem string) slog.Level {
	levels := *h.levelSnapshot.Load()
	if level, ok := levels[subsystem]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel returns the level applied to subsystems without an
// override.
func (h *SubsystemFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
