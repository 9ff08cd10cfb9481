package diag

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hwselftest/pkg/agg"
	"hwselftest/pkg/model"
)

// Results is the aggregator as seen by the run driver.
type Results interface {
	StartRun(client string, filtered bool, start time.Time) error
	SetResult(diag string, code int, ts time.Time) error
	FinishRun(end time.Time) error
	AbortRun() error
	GetPreviousResults() *model.ResultBank
}

// ResultFilter is the history filter as seen by the run driver.
type ResultFilter interface {
	SetFilterBuffer(ctx context.Context) error
	GetFilteredResult(diag string, raw int) int
	DumpResultFilter() error
	IsFilterEnabled() bool
	IsResultsFiltered() bool
}

// Recorder keeps completed runs.
type Recorder interface {
	Record(ctx context.Context, bank *model.ResultBank, payload []byte) error
}

// Progress is told about each stored result of a run.
type Progress func(r model.DiagnosticResult)

// Runner executes diagnostics. At most one run is active at a time, either a
// full run driven by RunAll or an external run bracketed by StartExternal and
// FinishExternal with single diagnostics recorded through RunOne.
type Runner struct {
	reg     *Registry
	results Results
	filter  ResultFilter
	journal Recorder
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	external bool
	client   string
	cancel   context.CancelFunc
}

type RunnerOption func(*Runner)

func WithJournal(j Recorder) RunnerOption {
	return func(r *Runner) { r.journal = j }
}

func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRunner(reg *Registry, results Results, filter ResultFilter, opts ...RunnerOption) *Runner {
	r := &Runner{
		reg:     reg,
		results: results,
		filter:  filter,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Registry returns the diagnostics known to the runner.
func (r *Runner) Registry() *Registry { return r.reg }

// Running reports whether any run is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running || r.external
}

// Cancel stops the active full run between diagnostics.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// RunOne runs a single diagnostic. Inside an external run its result is
// recorded like in a full run.
func (r *Runner) RunOne(ctx context.Context, name string) (int, error) {
	d, ok := r.reg.Get(name)
	if !ok {
		return 0, ErrUnknownDiagnostic
	}
	code := d.Run(ctx)
	r.log.Info("diagnostic finished", zap.String("diag", name), zap.Int("code", code))

	r.mu.Lock()
	external := r.external
	r.mu.Unlock()
	if external {
		stored := r.store(name, code, r.filter.IsFilterEnabled(), r.filter.IsResultsFiltered())
		if err := r.results.SetResult(name, stored, r.now()); err != nil {
			r.log.Debug("result not stored", zap.String("diag", name), zap.Error(err))
		}
	}
	return code, nil
}

// StartExternal opens a run whose diagnostics are requested one by one.
func (r *Runner) StartExternal(ctx context.Context, client string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunInProgress
	}
	if r.external {
		r.log.Debug("restarting external test run", zap.String("client", r.client))
	}
	r.external = true
	r.client = client
	r.mu.Unlock()

	if err := r.filter.SetFilterBuffer(ctx); err != nil {
		r.log.Warn("filter buffer not initialised", zap.Error(err))
	}
	filtered := r.filter.IsResultsFiltered()
	r.log.Info("external test run started", zap.String("client", client), zap.Bool("filtered", filtered))
	return r.results.StartRun(client, filtered, r.now())
}

// FinishExternal publishes the external run.
func (r *Runner) FinishExternal(ctx context.Context) (*model.ResultBank, error) {
	r.mu.Lock()
	if !r.external {
		r.mu.Unlock()
		return nil, agg.ErrNotRunning
	}
	r.external = false
	client := r.client
	r.mu.Unlock()
	return r.publish(ctx, r.log.With(zap.String("client", client)))
}

// RunAll runs every test diagnostic for client and publishes the run. It
// returns the published bank, or the context error when cancelled.
func (r *Runner) RunAll(ctx context.Context, client string, progress Progress) (*model.ResultBank, error) {
	r.mu.Lock()
	if r.running || r.external {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
	}()

	if err := r.filter.SetFilterBuffer(ctx); err != nil {
		r.log.Warn("filter buffer not initialised", zap.Error(err))
	}
	filtering := r.filter.IsFilterEnabled()
	filtered := r.filter.IsResultsFiltered()
	if err := r.results.StartRun(client, filtered, r.now()); err != nil {
		return nil, err
	}
	log := r.log.With(zap.String("client", client))
	log.Info("test run started", zap.Bool("filtered", filtered))

	periodic := strings.Contains(strings.ToLower(client), "periodic")
	for _, name := range r.reg.Tests() {
		if periodic && name == WANName {
			continue
		}
		d, _ := r.reg.Get(name)
		code := model.CodeCancelled
		if ctx.Err() == nil {
			code = d.Run(ctx)
		}
		if code == model.CodeCancelled || ctx.Err() != nil {
			_ = r.results.SetResult(name, model.CodeCancelled, r.now())
			_ = r.results.AbortRun()
			log.Info("test run cancelled", zap.String("diag", name))
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, context.Canceled
		}
		stored := r.store(name, code, filtering, filtered)
		ts := r.now()
		if err := r.results.SetResult(name, stored, ts); err != nil {
			log.Debug("result not stored", zap.String("diag", name), zap.Error(err))
		}
		log.Info("diagnostic finished", zap.String("diag", name), zap.Int("code", code), zap.Int("stored", stored))
		if progress != nil {
			progress(model.DiagnosticResult{Name: name, Code: stored, Message: model.Message(name, stored), Timestamp: ts})
		}
	}
	return r.publish(ctx, log)
}

// store feeds code through the filter and picks the value kept in the bank.
func (r *Runner) store(name string, code int, filtering, filtered bool) int {
	if !filtering {
		return code
	}
	verdict := r.filter.GetFilteredResult(name, code)
	if filtered {
		return verdict
	}
	return code
}

func (r *Runner) publish(ctx context.Context, log *zap.Logger) (*model.ResultBank, error) {
	if err := r.results.FinishRun(r.now()); err != nil {
		return nil, err
	}
	if err := r.filter.DumpResultFilter(); err != nil {
		log.Warn("filter buffer not saved", zap.Error(err))
	}
	bank := r.results.GetPreviousResults()
	if r.journal != nil && bank != nil {
		payload, err := agg.Serialise(bank)
		if err == nil {
			err = r.journal.Record(context.WithoutCancel(ctx), bank, payload)
		}
		if err != nil {
			log.Warn("run not journaled", zap.Error(err))
		}
	}
	log.Info("test run finished", zap.Bool("failed", bank != nil && bank.Failed()))
	return bank, nil
}
