package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
)

// commandLine renders args as a copy-pasteable shell command.
func commandLine(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// processTable tracks running suite processes by run.
type processTable struct {
	mu    sync.Mutex
	procs map[uuid.UUID]*os.Process
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[uuid.UUID]*os.Process)}
}

// run starts cmd in its own process group, streams combined output to sink
// and waits for it. A non-zero exit is reported through Result.ExitCode, not
// as an error.
func (p *processTable) run(ctx context.Context, runID uuid.UUID, cmd *exec.Cmd, sink io.Writer, onStart func(int)) (*Result, error) {
	out := store.NewTailBuffer(store.MaxRunOutputBytes)
	var w io.Writer = out
	if sink != nil {
		w = io.MultiWriter(out, sink)
	}
	_, _ = fmt.Fprintf(w, "$ %s\n", commandLine(cmd.Args))
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrExecution, cmd.Path, err)
	}
	pid := cmd.Process.Pid
	p.mu.Lock()
	p.procs[runID] = cmd.Process
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.procs, runID)
		p.mu.Unlock()
	}()
	if onStart != nil {
		onStart(pid)
	}

	err := cmd.Wait()
	res := &Result{Output: out.String(), PID: pid}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %v", ErrExecution, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return res, nil
}

// stop terminates the run's process group, whether it was started by this
// process or only recorded on the run.
func (p *processTable) stop(run *store.TestRun) error {
	p.mu.Lock()
	proc := p.procs[run.ID]
	p.mu.Unlock()
	if proc != nil {
		return terminateGroup(proc.Pid)
	}
	if run.ProcessID != nil && *run.ProcessID > 0 {
		return terminateGroup(*run.ProcessID)
	}
	return nil
}
