package agg

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hwselftest/pkg/model"
)

const (
	// DefaultResultsFile holds the latest completed run across restarts.
	DefaultResultsFile = "/tmp/hwselftest.results"
	// StatusSuffix selects which diagnostics take part in aggregation.
	StatusSuffix = "_status"
	// clientWidth mirrors the fixed client field of the persisted bank.
	clientWidth = 31
)

var ErrNotRunning = errors.New("test run not started")

// Aggregator owns two alternating result banks. At most one bank is clean
// (the latest completed run); the other one collects the run in progress.
//
// A single mutex guards bank selection and mutation, and is also held while
// the finished bank is written to disk. Readers of the clean bank therefore
// wait for that write.
type Aggregator struct {
	mu      sync.Mutex
	banks   [2]*model.ResultBank
	current int
	write   bool
	path    string
	log     *zap.Logger
}

type Option func(*Aggregator)

// WithResultsFile overrides the persisted results path; empty disables persistence.
func WithResultsFile(path string) Option {
	return func(a *Aggregator) { a.path = path }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// New allocates both banks from the "_status" diagnostics in names and tries to
// restore the previously completed run into bank 0.
func New(names []string, opts ...Option) *Aggregator {
	a := &Aggregator{
		current: -1,
		write:   true,
		path:    DefaultResultsFile,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	var tracked []string
	for _, n := range names {
		if strings.HasSuffix(n, StatusSuffix) {
			tracked = append(tracked, n)
		}
	}
	a.banks[0] = model.NewResultBank(tracked)
	a.banks[1] = model.NewResultBank(tracked)

	if a.path == "" {
		return a
	}
	if err := a.load(a.banks[0]); err != nil {
		a.log.Info("previous results not available", zap.String("file", a.path), zap.Error(err))
		a.banks[0].Reset()
		a.banks[0].Dirty = true
	} else {
		a.log.Debug("loaded previous results", zap.String("file", a.path))
		a.banks[0].Dirty = false
	}
	return a
}

// Diagnostics lists the tracked diagnostic names in bank order.
func (a *Aggregator) Diagnostics() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.banks[0].Results))
	for _, r := range a.banks[0].Results {
		out = append(out, r.Name)
	}
	return out
}

// StartRun selects the dirty bank (bank 0 when both are dirty) and stamps the
// run metadata. Calling it during an active run restarts that run.
func (a *Aggregator) StartRun(client string, filtered bool, start time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != -1 {
		a.log.Debug("restarting active test run", zap.Int("bank", a.current))
	}
	a.current = 1
	if a.banks[0].Dirty {
		a.current = 0
	}
	b := a.banks[a.current]
	b.Reset()
	b.Dirty = true
	b.Client = truncate(client, clientWidth)
	b.StartTime = start
	if filtered {
		b.RunType = model.RunFiltered
	}
	a.log.Debug("test run started", zap.String("client", b.Client), zap.Int("bank", a.current), zap.Stringer("type", b.RunType))
	return nil
}

// SetResult records one diagnostic result in the active run. Unknown names are
// ignored.
func (a *Aggregator) SetResult(diag string, code int, ts time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == -1 {
		a.log.Debug("set result ignored: test run not started", zap.String("diag", diag))
		return ErrNotRunning
	}
	b := a.banks[a.current]
	i := b.Find(diag)
	if i < 0 {
		a.log.Debug("set result ignored: diag not tracked", zap.String("diag", diag))
		return nil
	}
	b.Results[i].Code = code
	b.Results[i].Timestamp = ts
	b.Results[i].Message = model.Message(diag, code)
	return nil
}

// SetWriteTestResult toggles persistence of finished runs.
func (a *Aggregator) SetWriteTestResult(write bool) {
	a.mu.Lock()
	a.write = write
	a.mu.Unlock()
	a.log.Debug("write test result", zap.Bool("enabled", write))
}

// FinishRun publishes the active bank: it becomes the only clean bank and the
// other bank is marked dirty.
func (a *Aggregator) FinishRun(end time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == -1 {
		a.log.Debug("finish ignored: test run not started")
		return ErrNotRunning
	}
	b := a.banks[a.current]
	b.EndTime = end
	if a.write && a.path != "" {
		if err := a.save(b); err != nil {
			a.log.Error("failed to save results file", zap.String("file", a.path), zap.Error(err))
		}
	}
	b.Dirty = false
	a.banks[1-a.current].Dirty = true
	a.log.Debug("test run finished", zap.Int("bank", a.current), zap.String("client", b.Client))
	a.current = -1
	return nil
}

// AbortRun drops the active run without publishing it; its bank stays dirty.
func (a *Aggregator) AbortRun() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == -1 {
		return ErrNotRunning
	}
	a.log.Info("test run aborted", zap.Int("bank", a.current), zap.String("client", a.banks[a.current].Client))
	a.current = -1
	return nil
}

// Running reports whether a run is between StartRun and FinishRun.
func (a *Aggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != -1
}

// GetPreviousResults returns a copy of the clean bank, or nil when no run has
// completed yet.
func (a *Aggregator) GetPreviousResults() *model.ResultBank {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.banks {
		if !b.Dirty {
			return b.Clone()
		}
	}
	a.log.Debug("previous results not available")
	return nil
}

func (a *Aggregator) load(into *model.ResultBank) error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return err
	}
	return Deserialise(data, into)
}

func (a *Aggregator) save(b *model.ResultBank) error {
	data, err := Serialise(b)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
