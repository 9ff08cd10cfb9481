// Package filter suppresses noisy diagnostic failures using a persisted
// pass/fail history per diagnostic.
package filter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"hwselftest/pkg/model"
)

// PolicySource supplies the filter policy for the next run.
type PolicySource interface {
	FilterConfig(ctx context.Context) (model.FilterConfig, error)
}

type state struct {
	Tracked
	typ     FilterType
	history string
}

// Filter keeps the histories of DefaultTracked (or WithTracked) diagnostics.
// All state is guarded by mu; SetFilterBuffer is called once per run before
// any GetFilteredResult of that run.
type Filter struct {
	mu     sync.Mutex
	source PolicySource
	path   string
	cfg    model.FilterConfig
	states []*state
	log    *zap.Logger
}

type Option func(*Filter)

func WithBufferFile(path string) Option {
	return func(f *Filter) { f.path = path }
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.log = l
		}
	}
}

// WithTracked replaces the diagnostic table.
func WithTracked(t []Tracked) Option {
	return func(f *Filter) {
		f.states = f.states[:0]
		for _, tr := range t {
			f.states = append(f.states, &state{Tracked: tr})
		}
	}
}

// New returns a disabled filter; nothing is read until SetFilterBuffer.
func New(source PolicySource, opts ...Option) *Filter {
	f := &Filter{
		source: source,
		path:   DefaultBufferFile,
		log:    zap.NewNop(),
	}
	for _, t := range DefaultTracked {
		f.states = append(f.states, &state{Tracked: t})
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// SetFilterBuffer fetches the policy and, when enabled, loads and reconciles
// the buffer file. A failing policy source leaves filtering disabled and is not
// reported; only buffer file failures are returned.
func (f *Filter) SetFilterBuffer(ctx context.Context) error {
	var cfg model.FilterConfig
	if f.source != nil {
		c, err := f.source.FilterConfig(ctx)
		if err != nil {
			f.log.Warn("result filter policy unavailable, filtering disabled", zap.Error(err))
		} else {
			cfg = c
		}
	}
	cfg = cfg.Normalize()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	if !cfg.Enabled {
		f.log.Info("result filter is disabled")
		return nil
	}
	err := f.initBuffer()
	f.assignFilterTypes()
	return err
}

func (f *Filter) initBuffer() error {
	depth := f.cfg.QueueDepth
	oldDepth, entries, err := readBuffer(f.path)
	switch {
	case err != nil:
		f.log.Info("creating fresh filter buffer", zap.String("file", f.path), zap.Error(err))
		for _, s := range f.states {
			s.history = Resize("", depth)
		}
	default:
		if oldDepth != depth {
			f.log.Debug("queue depth changed", zap.Int("old", oldDepth), zap.Int("new", depth))
		}
		for _, s := range f.states {
			h := sanitize(entries[s.Key])
			if len(h) > oldDepth {
				h = h[:oldDepth]
			}
			s.history = Resize(h, depth)
		}
	}
	if err := writeBuffer(f.path, depth, f.trackedLocked(), f.historiesLocked()); err != nil {
		f.log.Error("failed to write filter buffer", zap.String("file", f.path), zap.Error(err))
		return err
	}
	return nil
}

func (f *Filter) assignFilterTypes() {
	types := ParseFilterParams(f.cfg.FilterParams, len(f.states))
	for i, s := range f.states {
		s.typ = types[i]
		f.log.Debug("filter type assigned", zap.String("diag", s.Key), zap.Stringer("type", s.typ))
	}
}

// GetFilteredResult records raw in the diagnostic's history and returns
// CodeFailure or CodeSuccess. Without filtering, or for a diagnostic with no
// filter type, the verdict is the plain classification of raw; the history is
// still updated whenever filtering is enabled with non-empty params.
func (f *Filter) GetFilteredResult(diag string, raw int) int {
	verdict := Classify(raw)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cfg.Enabled || f.cfg.FilterParams == "" {
		return verdict
	}
	var s *state
	for _, st := range f.states {
		if st.Diag == diag {
			s = st
			break
		}
	}
	if s == nil {
		return verdict
	}
	depth := f.cfg.QueueDepth
	s.history = Push(s.history, verdict == model.CodeFailure, depth)
	if failed, ok := s.typ.Failed(s.history, depth); ok {
		verdict = model.CodeSuccess
		if failed {
			verdict = model.CodeFailure
		}
	}
	f.log.Info("filtered result",
		zap.String("diag", s.Key),
		zap.Stringer("type", s.typ),
		zap.Int("raw", raw),
		zap.Int("status", verdict),
		zap.String("history", s.history))
	return verdict
}

// DumpResultFilter writes the current histories back to the buffer file.
func (f *Filter) DumpResultFilter() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cfg.Enabled || f.cfg.FilterParams == "" {
		return nil
	}
	if err := writeBuffer(f.path, f.cfg.QueueDepth, f.trackedLocked(), f.historiesLocked()); err != nil {
		f.log.Error("failed to dump filter buffer", zap.String("file", f.path), zap.Error(err))
		return err
	}
	return nil
}

func (f *Filter) IsFilterEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Enabled
}

// IsResultsFiltered is true only while filtering itself is enabled.
func (f *Filter) IsResultsFiltered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Enabled && f.cfg.ResultsFiltered
}

// Config returns the policy fetched by the last SetFilterBuffer.
func (f *Filter) Config() model.FilterConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// History returns the current history of diag.
func (f *Filter) History(diag string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s.Diag == diag {
			return s.history, true
		}
	}
	return "", false
}

func (f *Filter) trackedLocked() []Tracked {
	out := make([]Tracked, len(f.states))
	for i, s := range f.states {
		out[i] = s.Tracked
	}
	return out
}

func (f *Filter) historiesLocked() []string {
	out := make([]string, len(f.states))
	for i, s := range f.states {
		out[i] = s.history
	}
	return out
}
