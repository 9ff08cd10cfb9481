package diag

import (
	"context"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hwselftest/pkg/model"
)

// WANName is the diagnostic skipped by periodic runs.
const WANName = "wan_status"

// PingFunc probes one target and returns latency in ms and loss percentage.
type PingFunc func(ctx context.Context, target string, timeout time.Duration) (float64, float64, error)

// WANProbe passes when any target answers.
type WANProbe struct {
	targets []string
	timeout time.Duration
	ping    PingFunc
	log     *zap.Logger
}

func NewWANProbe(targets []string, timeout time.Duration, log *zap.Logger) *WANProbe {
	if timeout <= 0 {
		timeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WANProbe{targets: targets, timeout: timeout, ping: ping, log: log}
}

func (p *WANProbe) Name() string { return WANName }
func (p *WANProbe) Init() error  { return nil }
func (p *WANProbe) Exit() error  { return nil }

func (p *WANProbe) Run(ctx context.Context) int {
	if len(p.targets) == 0 {
		return model.CodeNotApplicable
	}
	for _, t := range p.targets {
		if ctx.Err() != nil {
			return model.CodeCancelled
		}
		ms, loss, err := p.ping(ctx, t, p.timeout)
		if err != nil || loss >= 100 {
			p.log.Debug("wan target unreachable", zap.String("target", t), zap.Float64("loss", loss), zap.Error(err))
			continue
		}
		p.log.Debug("wan target reachable", zap.String("target", t), zap.Float64("latency_ms", ms), zap.Float64("loss", loss))
		return model.CodeSuccess
	}
	if ctx.Err() != nil {
		return model.CodeCancelled
	}
	return model.CodeNoWANConnection
}

// ping tries ICMP via system ping and falls back to a TCP connect. A target
// with an explicit port is only dialled.
func ping(ctx context.Context, target string, timeout time.Duration) (float64, float64, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = target, "80"
		secs := strconv.Itoa(int((timeout + time.Second - 1) / time.Second))
		out, err := exec.CommandContext(ctx, "ping", "-c", "3", "-W", secs, host).CombinedOutput()
		if err == nil {
			return parsePingLatency(string(out)), parsePingLoss(string(out)), nil
		}
	}
	start := time.Now()
	d := net.Dialer{Timeout: timeout}
	conn, errDial := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if errDial != nil {
		return 0, 100, errDial
	}
	_ = conn.Close()
	return float64(time.Since(start).Milliseconds()), 0, nil
}

var pingLossRe = regexp.MustCompile(`([0-9.]+)% packet loss`)
var pingRttRe = regexp.MustCompile(`= ([0-9.]+)/`)

func parsePingLoss(s string) float64 {
	m := pingLossRe.FindStringSubmatch(s)
	if len(m) == 2 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	return 0
}

func parsePingLatency(s string) float64 {
	m := pingRttRe.FindStringSubmatch(s)
	if len(m) == 2 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	return 0
}
