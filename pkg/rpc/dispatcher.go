package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hwselftest/pkg/agg"
	"hwselftest/pkg/comm"
	"hwselftest/pkg/diag"
	"hwselftest/pkg/model"
)

var ErrClosed = errors.New("dispatcher closed")

// Previous exposes the last published run.
type Previous interface {
	GetPreviousResults() *model.ResultBank
}

// History exposes journaled runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]model.RunRecord, error)
}

// Dispatcher routes JSON-RPC messages of a connection to diagnostics and to
// the local procedures. Each accepted call runs as an instance in its own
// goroutine and ends with an eod notification.
type Dispatcher struct {
	runner  *diag.Runner
	results Previous
	history History
	expiry  time.Duration
	log     *zap.Logger
	now     func() time.Time

	base context.Context
	stop context.CancelFunc
	seq  atomic.Uint32
	wg   sync.WaitGroup

	mu        sync.Mutex
	instances map[uint32]*instance
}

type instance struct {
	id     uint32
	method string
	owner  *registration
	cancel context.CancelFunc
}

type Option func(*Dispatcher)

func WithHistory(h History) Option {
	return func(d *Dispatcher) { d.history = h }
}

// WithExpiry bounds the age of results served by previous_results. Zero
// keeps them valid forever.
func WithExpiry(e time.Duration) Option {
	return func(d *Dispatcher) { d.expiry = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func New(runner *diag.Runner, results Previous, opts ...Option) *Dispatcher {
	base, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:    runner,
		results:   results,
		log:       zap.NewNop(),
		now:       time.Now,
		base:      base,
		stop:      stop,
		instances: map[uint32]*instance{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) nextID() uint32 {
	return idPrefix | d.seq.Add(1)&^idPrefix
}

// Register implements comm.Dispatcher.
func (d *Dispatcher) Register(s comm.Sender) (comm.Registration, error) {
	if d.base.Err() != nil {
		return nil, ErrClosed
	}
	r := &registration{id: d.nextID(), d: d, s: s}
	r.log = d.log.With(zap.String("conn", s.ID()), zap.String("registration", FormatInstanceID(r.id)))
	r.log.Debug("registered", zap.String("client", s.Client()))
	return r, nil
}

// Close cancels every instance and waits for them to finish.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

type registration struct {
	id  uint32
	d   *Dispatcher
	s   comm.Sender
	log *zap.Logger
}

func (r *registration) Handle(ctx context.Context, msg []byte) {
	r.d.handle(ctx, r, msg)
}

// Unregister cancels the instances started through this connection; nobody
// is left to receive their eod.
func (r *registration) Unregister() {
	r.d.mu.Lock()
	for _, inst := range r.d.instances {
		if inst.owner == r {
			inst.cancel()
		}
	}
	r.d.mu.Unlock()
	r.log.Debug("unregistered")
}

func (r *registration) send(v any) {
	if err := r.s.Send(v); err != nil {
		r.log.Warn("send failed", zap.Error(err))
	}
}

func (r *registration) reply(id json.RawMessage, result any) {
	r.send(Response{JSONRPC: Version, Result: result, ID: id})
}

func (r *registration) fail(id json.RawMessage, code int, msg string) {
	if len(id) == 0 {
		id = json.RawMessage(nullID)
	}
	r.send(Response{JSONRPC: Version, Error: &Error{Code: code, Message: msg}, ID: id})
}

func (d *Dispatcher) handle(ctx context.Context, r *registration, msg []byte) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		r.log.Error("unparseable message", zap.Error(err))
		r.fail(nil, CodeParseError, "Parse error")
		return
	}
	if req.Method == "" || (req.JSONRPC != "" && req.JSONRPC != Version) || !objectParams(req.Params) {
		r.log.Error("invalid request", zap.String("method", req.Method))
		r.fail(req.ID, CodeInvalidRequest, "Invalid Request")
		return
	}
	if req.IsNotification() {
		d.notify(ctx, r, &req)
		return
	}
	d.call(r, &req)
}

func objectParams(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) == 0 || bytes.Equal(p, []byte(nullID)) || p[0] == '{'
}

func decodeParams(p json.RawMessage, into any) error {
	if len(p) == 0 || bytes.Equal(bytes.TrimSpace(p), []byte(nullID)) {
		return nil
	}
	return json.Unmarshal(p, into)
}

// notify handles the local procedures. Notifications never get a reply.
func (d *Dispatcher) notify(ctx context.Context, r *registration, req *Request) {
	switch req.Method {
	case MethodLog:
		var p LogParams
		if err := decodeParams(req.Params, &p); err != nil {
			r.log.Error("bad LOG params", zap.Error(err))
			return
		}
		switch {
		case p.Message != "":
			r.log.Info("client log", zap.String("client", r.s.Client()), zap.String("message", p.Message))
		case p.RawMessage != "":
			r.log.Info(p.RawMessage)
		default:
			r.log.Error("LOG without message")
		}
	case MethodDiag:
		var p DiagParams
		if err := decodeParams(req.Params, &p); err != nil || p.Break == "" {
			r.log.Error("bad DIAG params", zap.Error(err))
			return
		}
		id, err := ParseInstanceID(p.Break)
		if err != nil {
			r.log.Error("bad DIAG params", zap.Error(err))
			return
		}
		if !d.cancelInstance(id) {
			r.log.Info("break for unknown instance", zap.String("diag", p.Break))
		}
	case MethodTestRun:
		var p TestRunParams
		if err := decodeParams(req.Params, &p); err != nil {
			r.log.Error("bad TESTRUN params", zap.Error(err))
			return
		}
		d.testRun(ctx, r, p)
	default:
		r.log.Error("notification for unknown procedure dropped", zap.String("method", req.Method))
	}
}

func (d *Dispatcher) testRun(ctx context.Context, r *registration, p TestRunParams) {
	switch strings.ToLower(p.State) {
	case "start":
		if p.Client == "" {
			r.log.Error("TESTRUN start without client")
			return
		}
		if err := d.runner.StartExternal(ctx, p.Client); err != nil {
			r.log.Error("test run not started", zap.String("client", p.Client), zap.Error(err))
		}
	case "finish":
		if _, err := d.runner.FinishExternal(ctx); err != nil {
			r.log.Debug("test run not finished", zap.Error(err))
		}
	default:
		r.log.Error("bad TESTRUN state", zap.String("state", p.State))
	}
}

type procFunc func(ctx context.Context) (status int, data any)

func (d *Dispatcher) call(r *registration, req *Request) {
	proc, err := d.procedure(req)
	if err != nil {
		r.log.Error("invalid params", zap.String("method", req.Method), zap.Error(err))
		r.fail(req.ID, CodeInvalidRequest, "Invalid Request")
		return
	}
	if proc == nil {
		r.log.Info("unknown method", zap.String("method", req.Method))
		r.reply(req.ID, InstanceResult{Message: MsgUnknownMethod})
		return
	}
	if req.Method == MethodRunAll && d.runner.Running() {
		r.reply(req.ID, InstanceResult{Message: MsgInProgress})
		return
	}

	inst, ctx, err := d.start(r, req.Method)
	switch {
	case errors.Is(err, diag.ErrRunInProgress):
		r.reply(req.ID, InstanceResult{Message: MsgInProgress})
		return
	case err != nil:
		r.log.Error("instance not created", zap.String("method", req.Method), zap.Error(err))
		r.fail(req.ID, CodeInternalError, "Internal error")
		return
	}
	ref := FormatInstanceID(inst.id)
	r.reply(req.ID, InstanceResult{Diag: &ref})

	go func() {
		defer d.wg.Done()
		status, data := proc(ctx)
		// the method is free again before its eod goes out
		d.finish(inst)
		r.log.Info("instance finished", zap.String("diag", ref), zap.String("method", inst.method), zap.Int("status", status))
		r.send(Notification{
			JSONRPC: Version,
			Method:  MethodEOD,
			Params: EOD{
				Diag:      ref,
				Status:    status,
				Timestamp: d.now().UTC().Format(TimestampLayout),
				Data:      data,
			},
			ID: json.RawMessage(nullID),
		})
	}()
}

// procedure resolves a method name. It returns nil for unknown methods.
func (d *Dispatcher) procedure(req *Request) (procFunc, error) {
	switch req.Method {
	case MethodPreviousResults:
		return d.previousResults, nil
	case MethodCapabilities:
		return d.capabilities, nil
	case MethodRunAll:
		var p RunAllParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Client == "" {
			p.Client = "rpc"
		}
		return func(ctx context.Context) (int, any) { return d.runAll(ctx, p.Client) }, nil
	case MethodHistory:
		var p HistoryParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (int, any) { return d.recent(ctx, p.Limit) }, nil
	}
	name := req.Method
	if _, ok := d.runner.Registry().Get(name); !ok {
		return nil, nil
	}
	return func(ctx context.Context) (int, any) {
		code, err := d.runner.RunOne(ctx, name)
		if err != nil {
			return model.CodeInternalTestError, nil
		}
		return code, nil
	}, nil
}

// start creates an instance unless one for the same method is running.
func (d *Dispatcher) start(r *registration, method string) (*instance, context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.base.Err() != nil {
		return nil, nil, ErrClosed
	}
	for _, inst := range d.instances {
		if inst.method == method {
			return nil, nil, diag.ErrRunInProgress
		}
	}
	ctx, cancel := context.WithCancel(d.base)
	inst := &instance{id: d.nextID(), method: method, owner: r, cancel: cancel}
	d.instances[inst.id] = inst
	d.wg.Add(1)
	return inst, ctx, nil
}

func (d *Dispatcher) finish(inst *instance) {
	d.mu.Lock()
	delete(d.instances, inst.id)
	d.mu.Unlock()
	inst.cancel()
}

func (d *Dispatcher) cancelInstance(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	if ok {
		inst.cancel()
	}
	return ok
}

func (d *Dispatcher) previousResults(context.Context) (int, any) {
	bank := d.results.GetPreviousResults()
	if bank == nil || (d.expiry > 0 && d.now().Sub(bank.EndTime) > d.expiry) {
		return model.CodeSuccess, map[string]int{"results_valid": 1}
	}
	doc := agg.Encode(bank)
	valid := 0
	doc.ResultsValid = &valid
	return model.CodeSuccess, doc
}

func (d *Dispatcher) capabilities(context.Context) (int, any) {
	return model.CodeSuccess, Capabilities{Diags: d.runner.Registry().Names()}
}

func (d *Dispatcher) runAll(ctx context.Context, client string) (int, any) {
	bank, err := d.runner.RunAll(ctx, client, nil)
	switch {
	case errors.Is(err, diag.ErrRunInProgress):
		return model.CodeCancelledNotIdle, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.CodeCancelled, nil
	case err != nil:
		d.log.Error("run failed", zap.Error(err))
		return model.CodeInternalTestError, nil
	}
	status := model.CodeSuccess
	if bank.Failed() {
		status = model.CodeFailure
	}
	return status, agg.Encode(bank)
}

func (d *Dispatcher) recent(ctx context.Context, limit int) (int, any) {
	if d.history == nil {
		return model.CodeNotApplicable, nil
	}
	runs, err := d.history.Recent(ctx, limit)
	if err != nil {
		d.log.Error("journal read failed", zap.Error(err))
		return model.CodeInternalTestError, nil
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	return model.CodeSuccess, map[string]any{"runs": runs}
}
