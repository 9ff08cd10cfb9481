// Package diag holds the diagnostic probes and the run driver.
package diag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrUnknownDiagnostic = errors.New("unknown diagnostic")
	ErrRunInProgress     = errors.New("test run already in progress")
	ErrDuplicate         = errors.New("diagnostic already registered")
)

// Diagnostic is one hardware or network probe. Run returns a result code from
// the shared model namespace.
type Diagnostic interface {
	Name() string
	Init() error
	Run(ctx context.Context) int
	Exit() error
}

// Func adapts a plain function to Diagnostic.
type Func struct {
	N string
	F func(ctx context.Context) int
}

func (f Func) Name() string                { return f.N }
func (f Func) Init() error                 { return nil }
func (f Func) Run(ctx context.Context) int { return f.F(ctx) }
func (f Func) Exit() error                 { return nil }

// Registry keeps diagnostics in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	diags map[string]Diagnostic
}

func NewRegistry() *Registry {
	return &Registry{diags: map[string]Diagnostic{}}
}

func (r *Registry) Register(d Diagnostic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.diags[d.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.Name())
	}
	r.diags[d.Name()] = d
	r.order = append(r.order, d.Name())
	return nil
}

func (r *Registry) Get(name string) (Diagnostic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.diags[name]
	return d, ok
}

// Names lists every diagnostic in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Tests lists the "_status" diagnostics, the ones a full run executes.
func (r *Registry) Tests() []string {
	var out []string
	for _, n := range r.Names() {
		if strings.HasSuffix(n, "_status") {
			out = append(out, n)
		}
	}
	return out
}

// InitAll initialises every diagnostic; failures are collected, not fatal.
func (r *Registry) InitAll() error {
	var result *multierror.Error
	for _, n := range r.Names() {
		d, _ := r.Get(n)
		if err := d.Init(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s init: %w", n, err))
		}
	}
	return result.ErrorOrNil()
}

// ExitAll releases every diagnostic in reverse order.
func (r *Registry) ExitAll() error {
	var result *multierror.Error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		d, _ := r.Get(names[i])
		if err := d.Exit(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s exit: %w", names[i], err))
		}
	}
	return result.ErrorOrNil()
}
