package diag

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"hwselftest/pkg/model"
)

// DefaultCommandTimeout bounds a command probe without its own timeout.
const DefaultCommandTimeout = 60 * time.Second

// CommandProbe runs an external program. Exit status 0 passes and any other
// status fails; a program may instead print a result code on its last line of
// stdout. A missing program is not applicable, a timeout is an internal error.
type CommandProbe struct {
	name    string
	argv    []string
	timeout time.Duration
}

func NewCommandProbe(name string, argv []string, timeout time.Duration) *CommandProbe {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandProbe{name: name, argv: argv, timeout: timeout}
}

func (p *CommandProbe) Name() string { return p.name }

func (p *CommandProbe) Init() error {
	if len(p.argv) == 0 {
		return errors.New("empty command")
	}
	return nil
}

func (p *CommandProbe) Exit() error { return nil }

func (p *CommandProbe) Run(ctx context.Context) int {
	if len(p.argv) == 0 {
		return model.CodeNotApplicable
	}
	if ctx.Err() != nil {
		return model.CodeCancelled
	}
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.argv[0], p.argv[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	switch {
	case ctx.Err() != nil:
		return model.CodeCancelled
	case runCtx.Err() != nil:
		return model.CodeInternalTestError
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return model.CodeNotApplicable
	}
	if code, ok := lastLineCode(stdout.String()); ok {
		return code
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return model.CodeFailure
		}
		return model.CodeInternalTestError
	}
	return model.CodeSuccess
}

func lastLineCode(out string) (int, bool) {
	out = strings.TrimSpace(out)
	if out == "" {
		return 0, false
	}
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	code, err := strconv.Atoi(strings.TrimSpace(out))
	return code, err == nil
}
