// Package agent wires the self-test components into one process.
package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"hwselftest/pkg/agg"
	"hwselftest/pkg/auth"
	"hwselftest/pkg/comm"
	"hwselftest/pkg/config"
	"hwselftest/pkg/diag"
	"hwselftest/pkg/filter"
	"hwselftest/pkg/journal"
	"hwselftest/pkg/policy"
	"hwselftest/pkg/rpc"
)

// Agent owns every component of a running self-test agent.
type Agent struct {
	cfg *config.Config
	log *zap.Logger

	Results   *agg.Aggregator
	Filter    *filter.Filter
	Registry  *diag.Registry
	Runner    *diag.Runner
	Journal   *journal.Journal
	Lifecycle *Lifecycle

	disp   *rpc.Dispatcher
	server *comm.Server
	watch  func(ctx context.Context)
}

// New builds the agent from cfg. Extra diagnostics are registered after the
// configured command probes.
func New(cfg *config.Config, log *zap.Logger, extra ...diag.Diagnostic) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{cfg: cfg, log: log}

	a.Registry = diag.NewRegistry()
	for _, dc := range cfg.Diags {
		p := diag.NewCommandProbe(dc.Name, dc.Command, time.Duration(dc.Timeout)*time.Second)
		if err := a.Registry.Register(p); err != nil {
			return nil, err
		}
	}
	for _, d := range extra {
		if err := a.Registry.Register(d); err != nil {
			return nil, err
		}
	}
	if _, ok := a.Registry.Get(diag.WANName); !ok {
		wan := diag.NewWANProbe(cfg.WAN.Targets, time.Duration(cfg.WAN.Timeout)*time.Second, log.Named("diag"))
		if err := a.Registry.Register(wan); err != nil {
			return nil, err
		}
	}

	a.Results = agg.New(a.Registry.Names(), agg.WithResultsFile(cfg.Results.File), agg.WithLogger(log.Named("agg")))
	a.Results.SetWriteTestResult(cfg.Results.Write)

	source, err := a.policySource()
	if err != nil {
		return nil, err
	}
	a.Filter = filter.New(source, filter.WithBufferFile(cfg.Filter.BufferFile), filter.WithLogger(log.Named("filter")))

	a.Journal, err = journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, log.Named("journal"))
	if err != nil {
		// runs are still served without history
		log.Warn("run journal unavailable", zap.String("driver", cfg.Journal.Driver), zap.Error(err))
		a.Journal = nil
	}

	runnerOpts := []diag.RunnerOption{diag.WithRunnerLogger(log.Named("diag"))}
	rpcOpts := []rpc.Option{rpc.WithLogger(log.Named("rpc")), rpc.WithExpiry(cfg.ResultsExpiry())}
	if a.Journal != nil {
		runnerOpts = append(runnerOpts, diag.WithJournal(a.Journal))
		rpcOpts = append(rpcOpts, rpc.WithHistory(a.Journal))
	}
	a.Runner = diag.NewRunner(a.Registry, a.Results, a.Filter, runnerOpts...)
	a.disp = rpc.New(a.Runner, a.Results, rpcOpts...)

	a.Lifecycle = NewLifecycle(cfg.ConnectTimeout(), cfg.Agent.ExitOnDisconnect, log.Named("agent"))
	serverOpts := []comm.Option{comm.WithLogger(log.Named("comm")), comm.WithHooks(a.Lifecycle.Hooks())}
	if au := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenHash); au != nil {
		serverOpts = append(serverOpts, comm.WithAuthenticator(au))
	}
	a.server = comm.NewServer(cfg.Comm(), a.disp, serverOpts...)
	return a, nil
}

func (a *Agent) policySource() (filter.PolicySource, error) {
	switch a.cfg.Filter.Source {
	case "", "static":
		return policy.StaticSource{Config: a.cfg.FilterPolicy()}, nil
	case "consul":
		src, err := policy.NewConsulSource(a.cfg.Filter.ConsulAddr, a.cfg.Filter.ConsulToken, a.cfg.Filter.ConsulPrefix)
		if err != nil {
			return nil, fmt.Errorf("consul policy source: %w", err)
		}
		cached := policy.NewCachedSource(src)
		a.watch = func(ctx context.Context) {
			src.Watch(ctx, func() {
				cfg, err := cached.Refresh(ctx)
				if err != nil {
					a.log.Warn("filter policy refresh failed", zap.Error(err))
					return
				}
				a.log.Info("filter policy changed, applied on next run",
					zap.Bool("enabled", cfg.Enabled),
					zap.String("params", cfg.FilterParams))
			})
		}
		return cached, nil
	default:
		return nil, fmt.Errorf("unknown filter source %q", a.cfg.Filter.Source)
	}
}

// Run listens on the configured address. See Serve.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Comm().Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the agent on ln until ctx is cancelled or the lifecycle asks to
// quit.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.Registry.InitAll(); err != nil {
		a.log.Warn("diagnostics init", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.watch != nil {
		go a.watch(ctx)
	}
	a.Lifecycle.Start()

	errc := make(chan error, 1)
	go func() { errc <- a.server.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		a.log.Info("agent stopping", zap.Error(ctx.Err()))
	case <-a.Lifecycle.Done():
		a.log.Info("agent stopping", zap.String("reason", a.Lifecycle.Reason()))
	case err := <-errc:
		return err
	}
	cancel()
	return <-errc
}

// Addr blocks until the websocket listener is bound.
func (a *Agent) Addr() net.Addr { return a.server.Addr() }

// Close stops the running instances and releases every component.
func (a *Agent) Close() error {
	a.Lifecycle.Stop()
	a.Runner.Cancel()
	a.disp.Close()

	var result *multierror.Error
	if err := a.Registry.ExitAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.Journal.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("journal: %w", err))
	}
	return result.ErrorOrNil()
}
